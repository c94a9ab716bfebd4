// Package quota provides the verification credit ledger consumed by the
// orchestrator.
//
// The ledger separates reservation from debit so a failed provider
// submission never burns a credit: Authorize reserves capacity, Commit
// converts the reservation into a permanent debit when a verification first
// completes, and Release returns the reservation when the submission fails
// or the verification ends without a result.
//
// The orchestrator guarantees at-most-one Commit per transaction via its
// quota-state compare-and-swap; implementations still tolerate a duplicate
// Commit safely as defense in depth.
package quota

import (
	"context"
	"errors"
)

// ErrCallerUnknown is returned when no quota account exists for the caller.
var ErrCallerUnknown = errors.New("no quota account for caller")

// Ledger defines the verification credit contract.
type Ledger interface {
	// Authorize reserves one verification credit for the caller without
	// debiting. Returns (false, nil) when the caller has no remaining
	// capacity. Safe to call even if the subsequent provider submission
	// fails: the reservation is explicitly released on that path.
	Authorize(ctx context.Context, callerID string) (bool, error)

	// Commit converts one outstanding reservation into a permanent debit.
	// Idempotent-tolerant: committing with no outstanding reservation is a
	// no-op, not an error.
	Commit(ctx context.Context, callerID string) error

	// Release returns one outstanding reservation to the caller's balance.
	// Releasing with no outstanding reservation is a no-op.
	Release(ctx context.Context, callerID string) error

	// Balance reports (remaining, reserved, used) for the caller.
	// Returns ErrCallerUnknown when no account exists.
	Balance(ctx context.Context, callerID string) (remaining, reserved, used int, err error)
}
