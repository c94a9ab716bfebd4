package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casefile-io/casefile/internal/verification"
)

// activeReferenceConstraint is the partial unique index guarding "at most one
// active transaction per caller reference" (migration 001).
const activeReferenceConstraint = "uq_verification_active_caller_reference"

type (
	// TransactionStore implements verification.Store with a PostgreSQL backend.
	//
	// All multi-writer correctness lives in the SQL: creates are
	// insert-if-absent, status transitions are guarded by the expected current
	// status, and quota settlement is a single-row compare-and-swap on
	// quota_state. No advisory locks, no SELECT FOR UPDATE.
	TransactionStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// TransactionStoreOption configures optional TransactionStore behavior.
	TransactionStoreOption func(*TransactionStore)
)

// WithTransactionStoreLogger sets the structured logger.
func WithTransactionStoreLogger(logger *slog.Logger) TransactionStoreOption {
	return func(s *TransactionStore) {
		s.logger = logger
	}
}

// NewTransactionStore creates a PostgreSQL-backed verification transaction store.
func NewTransactionStore(conn *Connection, opts ...TransactionStoreOption) (*TransactionStore, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	store := &TransactionStore{
		conn:   conn,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// CreateTransaction persists a new transaction record.
//
// ON CONFLICT DO NOTHING on the primary key makes create retries no-ops, and
// the partial unique index on active caller references surfaces as
// verification.ErrDuplicateReference.
func (s *TransactionStore) CreateTransaction(ctx context.Context, txn *verification.Transaction) (bool, error) {
	reportJSON, err := marshalReport(txn.Report)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO verification_transactions (
			transaction_id, caller_id, caller_reference_id, subject_fingerprint,
			status, report, failure_reason, quota_state, last_update_source,
			created_at, updated_at, finalized_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		txn.TransactionID,
		txn.CallerID,
		txn.CallerReferenceID,
		txn.SubjectFingerprint,
		txn.Status,
		reportJSON,
		txn.FailureReason,
		txn.QuotaState,
		txn.LastUpdateSource,
		txn.CreatedAt,
		txn.UpdatedAt,
		txn.FinalizedAt,
	)
	if err != nil {
		if isUniqueViolation(err, activeReferenceConstraint) {
			return false, fmt.Errorf("%w: %s", verification.ErrDuplicateReference, txn.CallerReferenceID)
		}

		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// GetTransaction loads a transaction by provider transaction id.
func (s *TransactionStore) GetTransaction(ctx context.Context, transactionID string) (*verification.Transaction, error) {
	query := `
		SELECT transaction_id, caller_id, caller_reference_id, subject_fingerprint,
		       status, report, failure_reason, quota_state, last_update_source,
		       created_at, updated_at, finalized_at
		FROM verification_transactions
		WHERE transaction_id = $1
	`

	return s.scanTransaction(s.conn.QueryRowContext(ctx, query, transactionID))
}

// TransitionStatus applies a status transition guarded by the expected
// current status.
//
// The report is written only on the transition into COMPLETED and only while
// the column is still NULL, so the result stays write-once even if a
// conflicting completed observation somehow reaches this layer.
func (s *TransactionStore) TransitionStatus(
	ctx context.Context,
	transactionID string,
	from, to verification.Status,
	report *verification.Report,
	failureReason string,
	source verification.UpdateSource,
) (bool, error) {
	reportJSON, err := marshalReport(report)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE verification_transactions
		SET status = $3,
		    report = CASE WHEN $3 = 'COMPLETED' AND report IS NULL THEN $4 ELSE report END,
		    failure_reason = CASE WHEN $5 <> '' THEN $5 ELSE failure_reason END,
		    last_update_source = $6,
		    updated_at = $7,
		    finalized_at = CASE WHEN $8 THEN $7 ELSE finalized_at END
		WHERE transaction_id = $1 AND status = $2
	`

	now := time.Now().UTC()

	result, err := s.conn.ExecContext(
		ctx,
		query,
		transactionID,
		from,
		to,
		reportJSON,
		failureReason,
		source,
		now,
		to.IsTerminal(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 1 {
		return true, nil
	}

	// Distinguish a lost race from a missing row.
	if err := s.exists(ctx, transactionID); err != nil {
		return false, err
	}

	return false, nil
}

// SettleQuota performs the quota-state CAS UNCOMMITTED → `to`.
func (s *TransactionStore) SettleQuota(
	ctx context.Context,
	transactionID string,
	to verification.QuotaState,
) (bool, error) {
	query := `
		UPDATE verification_transactions
		SET quota_state = $2, updated_at = $3
		WHERE transaction_id = $1 AND quota_state = 'UNCOMMITTED'
	`

	result, err := s.conn.ExecContext(ctx, query, transactionID, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to settle quota state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 1 {
		return true, nil
	}

	if err := s.exists(ctx, transactionID); err != nil {
		return false, err
	}

	return false, nil
}

// FindByCallerReference returns the most recent transaction for a caller
// reference id.
func (s *TransactionStore) FindByCallerReference(
	ctx context.Context,
	callerReferenceID string,
) (*verification.Transaction, error) {
	query := `
		SELECT transaction_id, caller_id, caller_reference_id, subject_fingerprint,
		       status, report, failure_reason, quota_state, last_update_source,
		       created_at, updated_at, finalized_at
		FROM verification_transactions
		WHERE caller_reference_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	return s.scanTransaction(s.conn.QueryRowContext(ctx, query, callerReferenceID))
}

// RecordAnomaly appends an unapplicable observation for manual review.
func (s *TransactionStore) RecordAnomaly(ctx context.Context, anomaly *verification.Anomaly) error {
	query := `
		INSERT INTO verification_anomalies (id, transaction_id, source, reason, payload, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.conn.ExecContext(
		ctx,
		query,
		anomaly.ID,
		anomaly.TransactionID,
		anomaly.Source,
		anomaly.Reason,
		anomaly.Payload,
		anomaly.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy and ready to serve requests.
func (s *TransactionStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// exists maps a zero-row conditional write onto the right outcome: nil when
// the row is present (the guard failed), ErrTransactionNotFound otherwise.
func (s *TransactionStore) exists(ctx context.Context, transactionID string) error {
	var found bool

	query := `SELECT EXISTS (SELECT 1 FROM verification_transactions WHERE transaction_id = $1)`

	if err := s.conn.QueryRowContext(ctx, query, transactionID).Scan(&found); err != nil {
		if isDatabaseConnectionError(err) {
			return fmt.Errorf("database unavailable: %w", err)
		}

		return fmt.Errorf("failed to check transaction existence: %w", err)
	}

	if !found {
		return fmt.Errorf("%w: %s", verification.ErrTransactionNotFound, transactionID)
	}

	return nil
}

// scanTransaction maps one row onto the domain transaction.
func (s *TransactionStore) scanTransaction(row *sql.Row) (*verification.Transaction, error) {
	var (
		txn        verification.Transaction
		reportJSON []byte
	)

	err := row.Scan(
		&txn.TransactionID,
		&txn.CallerID,
		&txn.CallerReferenceID,
		&txn.SubjectFingerprint,
		&txn.Status,
		&reportJSON,
		&txn.FailureReason,
		&txn.QuotaState,
		&txn.LastUpdateSource,
		&txn.CreatedAt,
		&txn.UpdatedAt,
		&txn.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, verification.ErrTransactionNotFound
		}

		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if len(reportJSON) > 0 {
		var report verification.Report
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return nil, fmt.Errorf("failed to parse stored report: %w", err)
		}

		txn.Report = &report
	}

	return &txn, nil
}

// marshalReport serializes a report for the JSONB column. Nil stays NULL.
func marshalReport(report *verification.Report) ([]byte, error) {
	if report == nil {
		return nil, nil
	}

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	return data, nil
}
