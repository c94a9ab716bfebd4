package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casefile-io/casefile/internal/quota"
)

type (
	// QuotaLedger implements quota.Ledger with a PostgreSQL backend.
	//
	// Every operation is a single conditional UPDATE on the caller's row, so
	// concurrent authorizes and settlements serialize on the row lock and the
	// balance arithmetic never goes negative.
	QuotaLedger struct {
		conn   *Connection
		logger *slog.Logger
	}

	// QuotaLedgerOption configures optional QuotaLedger behavior.
	QuotaLedgerOption func(*QuotaLedger)
)

// WithQuotaLedgerLogger sets the structured logger.
func WithQuotaLedgerLogger(logger *slog.Logger) QuotaLedgerOption {
	return func(l *QuotaLedger) {
		l.logger = logger
	}
}

// NewQuotaLedger creates a PostgreSQL-backed quota ledger.
func NewQuotaLedger(conn *Connection, opts ...QuotaLedgerOption) (*QuotaLedger, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	ledger := &QuotaLedger{
		conn:   conn,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(ledger)
	}

	return ledger, nil
}

// Authorize reserves one verification credit for the caller.
func (l *QuotaLedger) Authorize(ctx context.Context, callerID string) (bool, error) {
	query := `
		UPDATE quota_accounts
		SET reserved = reserved + 1, updated_at = $2
		WHERE caller_id = $1 AND granted - reserved - used > 0
	`

	rows, err := l.exec(ctx, query, callerID)
	if err != nil {
		return false, fmt.Errorf("failed to authorize quota: %w", err)
	}

	if rows == 1 {
		return true, nil
	}

	if err := l.accountExists(ctx, callerID); err != nil {
		return false, err
	}

	return false, nil
}

// Commit converts one outstanding reservation into a permanent debit.
// Committing with no outstanding reservation is a no-op.
func (l *QuotaLedger) Commit(ctx context.Context, callerID string) error {
	query := `
		UPDATE quota_accounts
		SET reserved = reserved - 1, used = used + 1, updated_at = $2
		WHERE caller_id = $1 AND reserved > 0
	`

	rows, err := l.exec(ctx, query, callerID)
	if err != nil {
		return fmt.Errorf("failed to commit quota: %w", err)
	}

	if rows == 0 {
		if err := l.accountExists(ctx, callerID); err != nil {
			return err
		}

		// Duplicate commit after the reservation was already settled.
		l.logger.Debug("quota commit found no outstanding reservation",
			slog.String("caller_id", callerID),
		)
	}

	return nil
}

// Release returns one outstanding reservation to the caller's balance.
// Releasing with no outstanding reservation is a no-op.
func (l *QuotaLedger) Release(ctx context.Context, callerID string) error {
	query := `
		UPDATE quota_accounts
		SET reserved = reserved - 1, updated_at = $2
		WHERE caller_id = $1 AND reserved > 0
	`

	rows, err := l.exec(ctx, query, callerID)
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}

	if rows == 0 {
		return l.accountExists(ctx, callerID)
	}

	return nil
}

// Balance reports (remaining, reserved, used) for the caller.
func (l *QuotaLedger) Balance(ctx context.Context, callerID string) (int, int, int, error) {
	var granted, reserved, used int

	query := `SELECT granted, reserved, used FROM quota_accounts WHERE caller_id = $1`

	err := l.conn.QueryRowContext(ctx, query, callerID).Scan(&granted, &reserved, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, 0, fmt.Errorf("%w: %s", quota.ErrCallerUnknown, callerID)
		}

		return 0, 0, 0, fmt.Errorf("failed to read quota balance: %w", err)
	}

	return granted - reserved - used, reserved, used, nil
}

// Grant creates or tops up a caller's quota account. Used by provisioning
// and integration tests.
func (l *QuotaLedger) Grant(ctx context.Context, callerID string, credits int) error {
	query := `
		INSERT INTO quota_accounts (caller_id, granted, reserved, used, updated_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (caller_id) DO UPDATE
		SET granted = quota_accounts.granted + EXCLUDED.granted, updated_at = EXCLUDED.updated_at
	`

	_, err := l.conn.ExecContext(ctx, query, callerID, credits, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to grant quota: %w", err)
	}

	return nil
}

func (l *QuotaLedger) exec(ctx context.Context, query, callerID string) (int64, error) {
	result, err := l.conn.ExecContext(ctx, query, callerID, time.Now().UTC())
	if err != nil {
		if isDatabaseConnectionError(err) {
			return 0, fmt.Errorf("database unavailable: %w", err)
		}

		return 0, err
	}

	return result.RowsAffected()
}

func (l *QuotaLedger) accountExists(ctx context.Context, callerID string) error {
	var found bool

	query := `SELECT EXISTS (SELECT 1 FROM quota_accounts WHERE caller_id = $1)`

	if err := l.conn.QueryRowContext(ctx, query, callerID).Scan(&found); err != nil {
		return fmt.Errorf("failed to check quota account: %w", err)
	}

	if !found {
		return fmt.Errorf("%w: %s", quota.ErrCallerUnknown, callerID)
	}

	return nil
}
