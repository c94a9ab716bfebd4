// Package quota provides data storage implementations for verification credits.
package quota

import (
	"context"
	"sync"
)

// account tracks one caller's credit counters.
type account struct {
	granted  int
	reserved int
	used     int
}

// InMemoryLedger provides a thread-safe in-memory credit ledger.
// Used in unit tests and single-node deployments without PostgreSQL.
type InMemoryLedger struct {
	// accounts maps caller ids to credit counters
	accounts map[string]*account
	// mutex protects concurrent access to accounts
	mutex sync.Mutex
}

// NewInMemoryLedger creates a new thread-safe in-memory ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		accounts: make(map[string]*account),
	}
}

// Grant adds verification credits to a caller's account, creating the
// account if needed. Test and bootstrap helper.
func (l *InMemoryLedger) Grant(callerID string, credits int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	acct, ok := l.accounts[callerID]
	if !ok {
		acct = &account{}
		l.accounts[callerID] = acct
	}

	acct.granted += credits
}

// Authorize reserves one credit when the caller has remaining capacity.
func (l *InMemoryLedger) Authorize(_ context.Context, callerID string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	acct, ok := l.accounts[callerID]
	if !ok {
		return false, ErrCallerUnknown
	}

	if acct.granted-acct.reserved-acct.used <= 0 {
		return false, nil
	}

	acct.reserved++

	return true, nil
}

// Commit converts one reservation into a permanent debit. A commit with no
// outstanding reservation is a tolerated duplicate, not an error.
func (l *InMemoryLedger) Commit(_ context.Context, callerID string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	acct, ok := l.accounts[callerID]
	if !ok {
		return ErrCallerUnknown
	}

	if acct.reserved <= 0 {
		return nil
	}

	acct.reserved--
	acct.used++

	return nil
}

// Release returns one reservation to the caller's balance.
func (l *InMemoryLedger) Release(_ context.Context, callerID string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	acct, ok := l.accounts[callerID]
	if !ok {
		return ErrCallerUnknown
	}

	if acct.reserved <= 0 {
		return nil
	}

	acct.reserved--

	return nil
}

// Balance reports the caller's counters.
func (l *InMemoryLedger) Balance(_ context.Context, callerID string) (int, int, int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	acct, ok := l.accounts[callerID]
	if !ok {
		return 0, 0, 0, ErrCallerUnknown
	}

	return acct.granted - acct.reserved - acct.used, acct.reserved, acct.used, nil
}

// CommitCount reports total committed debits for a caller. Test helper.
func (l *InMemoryLedger) CommitCount(callerID string) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if acct, ok := l.accounts[callerID]; ok {
		return acct.used
	}

	return 0
}
