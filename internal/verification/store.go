// Package verification provides the transaction domain model and persistence interfaces.
//
// This package defines the Store interface which represents what the domain needs
// for transaction persistence, following the Dependency Inversion Principle.
// Concrete implementations (PostgreSQL, in-memory) live in internal/storage.
package verification

import (
	"context"
	"errors"
)

// Sentinel errors shared by all Store implementations.
var (
	// ErrTransactionNotFound is returned when no record exists for the
	// requested transaction id.
	ErrTransactionNotFound = errors.New("verification transaction not found")

	// ErrDuplicateReference is returned when an active (non-terminal)
	// transaction already exists for the caller reference id.
	ErrDuplicateReference = errors.New("active transaction already exists for caller reference")
)

// Store defines the interface for verification transaction persistence.
//
// Correctness under concurrent polls and callbacks relies entirely on the
// conditional-write contract below; no caller takes a lock. Implementations
// must support:
//   - Create-if-absent keyed on the provider transaction id: retrying a
//     create after a partial failure is a no-op, never a duplicate row
//   - Status-guarded transitions: a write only lands if the record still has
//     the status the writer observed (optimistic concurrency)
//   - Quota-state CAS: exactly one writer wins UNCOMMITTED → COMMITTED (or
//     UNCOMMITTED → RELEASED) even when both channels observe the same
//     terminal simultaneously
//
// Pattern: the domain defines the interface and storage provides
// implementations, same as storage.APIKeyStore.
type Store interface {
	// CreateTransaction persists a new transaction record.
	//
	// Idempotent on the primary key: creating an id that already exists
	// returns (false, nil) and leaves the stored record untouched, so the
	// initiator can safely retry the store write after a partial failure
	// without re-submitting to the provider.
	//
	// Returns ErrDuplicateReference if a different, still-active transaction
	// holds the same caller reference id.
	CreateTransaction(ctx context.Context, txn *Transaction) (created bool, err error)

	// GetTransaction loads a transaction by provider transaction id.
	// Returns ErrTransactionNotFound if no record exists.
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)

	// TransitionStatus applies a status transition guarded by the expected
	// current status (compare-and-swap).
	//
	// Returns (swapped, error) where:
	//   - swapped=true: the write landed; the record now has status `to`,
	//     the given report/failure reason, and an updated finalized_at when
	//     `to` is terminal
	//   - swapped=false, err=nil: another writer advanced the record first;
	//     the losing writer should re-read and use the now-current state
	//   - err=ErrTransactionNotFound: no record for the id
	//
	// The report is written only when `to` is StatusCompleted and is never
	// overwritten once set (write-once result).
	TransitionStatus(
		ctx context.Context,
		transactionID string,
		from, to Status,
		report *Report,
		failureReason string,
		source UpdateSource,
	) (swapped bool, err error)

	// SettleQuota performs the quota-state CAS UNCOMMITTED → `to`.
	//
	// Returns (swapped, error): only the writer that wins the swap may call
	// the quota ledger, which is how the commit happens exactly once even
	// though both channels can observe completion concurrently.
	SettleQuota(ctx context.Context, transactionID string, to QuotaState) (swapped bool, err error)

	// FindByCallerReference returns the most recent transaction for a caller
	// reference id, or ErrTransactionNotFound.
	FindByCallerReference(ctx context.Context, callerReferenceID string) (*Transaction, error)

	// RecordAnomaly appends an observation that could not be applied, for
	// manual review and replay. Append-only.
	RecordAnomaly(ctx context.Context, anomaly *Anomaly) error

	// HealthCheck verifies the storage backend is healthy and ready to
	// serve requests. Used by readiness probes and monitoring.
	HealthCheck(ctx context.Context) error
}
