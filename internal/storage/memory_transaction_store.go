package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casefile-io/casefile/internal/verification"
)

// InMemoryTransactionStore provides a thread-safe in-memory implementation of
// verification.Store. Used by unit tests and local development; it honors the
// same conditional-write contract as the PostgreSQL store.
type InMemoryTransactionStore struct {
	// transactions maps transaction IDs to records
	transactions map[string]*verification.Transaction
	// byReference maps caller reference IDs to transaction IDs, newest last
	byReference map[string][]string
	// anomalies is the append-only anomaly log
	anomalies []*verification.Anomaly
	// mutex protects concurrent access to all fields
	mutex sync.RWMutex
}

// NewInMemoryTransactionStore creates a new thread-safe in-memory transaction store.
func NewInMemoryTransactionStore() *InMemoryTransactionStore {
	return &InMemoryTransactionStore{
		transactions: make(map[string]*verification.Transaction),
		byReference:  make(map[string][]string),
	}
}

// CreateTransaction persists a new transaction record.
func (s *InMemoryTransactionStore) CreateTransaction(_ context.Context, txn *verification.Transaction) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.transactions[txn.TransactionID]; exists {
		return false, nil
	}

	// At most one active transaction per caller reference.
	for _, id := range s.byReference[txn.CallerReferenceID] {
		if existing := s.transactions[id]; existing != nil && existing.IsActive() {
			return false, fmt.Errorf("%w: %s", verification.ErrDuplicateReference, txn.CallerReferenceID)
		}
	}

	txnCopy := *txn
	s.transactions[txnCopy.TransactionID] = &txnCopy
	s.byReference[txnCopy.CallerReferenceID] = append(s.byReference[txnCopy.CallerReferenceID], txnCopy.TransactionID)

	return true, nil
}

// GetTransaction loads a transaction by provider transaction id.
func (s *InMemoryTransactionStore) GetTransaction(_ context.Context, transactionID string) (*verification.Transaction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	txn, exists := s.transactions[transactionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", verification.ErrTransactionNotFound, transactionID)
	}

	txnCopy := *txn

	return &txnCopy, nil
}

// TransitionStatus applies a status transition guarded by the expected
// current status.
func (s *InMemoryTransactionStore) TransitionStatus(
	_ context.Context,
	transactionID string,
	from, to verification.Status,
	report *verification.Report,
	failureReason string,
	source verification.UpdateSource,
) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	txn, exists := s.transactions[transactionID]
	if !exists {
		return false, fmt.Errorf("%w: %s", verification.ErrTransactionNotFound, transactionID)
	}

	if txn.Status != from {
		return false, nil
	}

	now := time.Now().UTC()
	txn.Status = to
	txn.LastUpdateSource = source
	txn.UpdatedAt = now

	if to == verification.StatusCompleted && txn.Report == nil {
		txn.Report = report
	}

	if failureReason != "" {
		txn.FailureReason = failureReason
	}

	if to.IsTerminal() && txn.FinalizedAt == nil {
		txn.FinalizedAt = &now
	}

	return true, nil
}

// SettleQuota performs the quota-state CAS UNCOMMITTED → `to`.
func (s *InMemoryTransactionStore) SettleQuota(
	_ context.Context,
	transactionID string,
	to verification.QuotaState,
) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	txn, exists := s.transactions[transactionID]
	if !exists {
		return false, fmt.Errorf("%w: %s", verification.ErrTransactionNotFound, transactionID)
	}

	if txn.QuotaState != verification.QuotaUncommitted {
		return false, nil
	}

	txn.QuotaState = to
	txn.UpdatedAt = time.Now().UTC()

	return true, nil
}

// FindByCallerReference returns the most recent transaction for a caller
// reference id.
func (s *InMemoryTransactionStore) FindByCallerReference(
	_ context.Context,
	callerReferenceID string,
) (*verification.Transaction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := s.byReference[callerReferenceID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: reference %s", verification.ErrTransactionNotFound, callerReferenceID)
	}

	txnCopy := *s.transactions[ids[len(ids)-1]]

	return &txnCopy, nil
}

// RecordAnomaly appends an observation that could not be applied.
func (s *InMemoryTransactionStore) RecordAnomaly(_ context.Context, anomaly *verification.Anomaly) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	anomalyCopy := *anomaly
	s.anomalies = append(s.anomalies, &anomalyCopy)

	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryTransactionStore) HealthCheck(_ context.Context) error {
	return nil
}

// Anomalies returns a copy of the recorded anomalies. Test helper.
func (s *InMemoryTransactionStore) Anomalies() []*verification.Anomaly {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*verification.Anomaly, len(s.anomalies))
	for i, a := range s.anomalies {
		anomalyCopy := *a
		result[i] = &anomalyCopy
	}

	return result
}
