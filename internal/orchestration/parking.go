package orchestration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casefile-io/casefile/internal/gateway"
)

// sweepQueryTimeout bounds the store work a single retry sweep may do.
const sweepQueryTimeout = 10 * time.Second

type (
	// ParkingLot holds callbacks that arrived before their transaction was
	// persisted, and retries them on a fixed schedule until the transaction
	// appears or the attempt budget runs out.
	//
	// Entries are keyed by transaction id; a duplicate arrival for a parked
	// id replaces the payload and keeps the earlier attempt count, so a
	// provider that re-pushes aggressively cannot extend the retry window.
	ParkingLot struct {
		mu      sync.Mutex
		entries map[string]*parkedCallback

		interval    time.Duration
		maxAttempts int
		capacity    int

		deliver func(ctx context.Context, callback gateway.Callback) (bool, error)
		abandon func(ctx context.Context, callback gateway.Callback, attempts int)

		sweepStop chan struct{} // Signal to stop the sweep goroutine
		sweepDone chan struct{} // Signal the sweep goroutine has stopped
		closeOnce sync.Once
		logger    *slog.Logger
	}

	parkedCallback struct {
		callback gateway.Callback
		attempts int
		parkedAt time.Time
	}
)

func newParkingLot(
	cfg *Config,
	deliver func(ctx context.Context, callback gateway.Callback) (bool, error),
	abandon func(ctx context.Context, callback gateway.Callback, attempts int),
	logger *slog.Logger,
) *ParkingLot {
	return &ParkingLot{
		entries:     make(map[string]*parkedCallback),
		interval:    cfg.ParkRetryInterval,
		maxAttempts: cfg.ParkMaxAttempts,
		capacity:    cfg.ParkCapacity,
		deliver:     deliver,
		abandon:     abandon,
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
		logger:      logger,
	}
}

func (l *ParkingLot) start() {
	go l.runSweeps()
}

func (l *ParkingLot) stop() {
	l.closeOnce.Do(func() {
		close(l.sweepStop)
		<-l.sweepDone
	})
}

// park stores a callback for retry. At capacity the callback is abandoned
// immediately so a flood of unknown ids cannot grow the lot without bound.
func (l *ParkingLot) park(ctx context.Context, callback gateway.Callback) {
	l.mu.Lock()

	if existing, ok := l.entries[callback.TransactionID]; ok {
		existing.callback = callback
		l.mu.Unlock()

		return
	}

	if len(l.entries) >= l.capacity {
		l.mu.Unlock()
		l.logger.Warn("parking lot full, abandoning callback",
			slog.String("transaction_id", callback.TransactionID),
		)
		l.abandon(ctx, callback, 0)

		return
	}

	l.entries[callback.TransactionID] = &parkedCallback{
		callback: callback,
		parkedAt: time.Now().UTC(),
	}
	size := len(l.entries)
	l.mu.Unlock()

	l.logger.Info("parked callback for unknown transaction",
		slog.String("transaction_id", callback.TransactionID),
		slog.Int("parked_total", size),
	)
}

// size reports how many callbacks are currently parked.
func (l *ParkingLot) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// runSweeps retries parked callbacks until sweepStop is closed via stop().
func (l *ParkingLot) runSweeps() {
	defer close(l.sweepDone)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-l.sweepStop:
			cancel()

			return
		case <-ticker.C:
			sweepCtx, sweepCancel := context.WithTimeout(ctx, sweepQueryTimeout)
			l.sweep(sweepCtx)
			sweepCancel()
		}
	}
}

// sweep runs one retry pass over every parked callback. Entries are copied
// out under the lock so delivery never races a concurrent park().
func (l *ParkingLot) sweep(ctx context.Context) {
	l.mu.Lock()
	batch := make([]parkedCallback, 0, len(l.entries))
	for _, entry := range l.entries {
		batch = append(batch, *entry)
	}
	l.mu.Unlock()

	for _, entry := range batch {
		applied, err := l.deliver(ctx, entry.callback)
		if err != nil {
			l.logger.Warn("parked callback retry failed",
				slog.String("transaction_id", entry.callback.TransactionID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if applied {
			l.remove(entry.callback.TransactionID)
			l.logger.Info("parked callback applied",
				slog.String("transaction_id", entry.callback.TransactionID),
				slog.Int("attempts", entry.attempts+1),
				slog.Duration("parked_for", time.Since(entry.parkedAt)),
			)

			continue
		}

		if attempts := l.bumpAttempts(entry.callback.TransactionID); attempts >= l.maxAttempts {
			l.remove(entry.callback.TransactionID)
			l.abandon(ctx, entry.callback, attempts)
		}
	}
}

// bumpAttempts increments and returns the attempt count for a parked id.
// An id removed mid-sweep reports zero so the caller does not re-abandon it.
func (l *ParkingLot) bumpAttempts(transactionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[transactionID]
	if !ok {
		return 0
	}

	entry.attempts++

	return entry.attempts
}

func (l *ParkingLot) remove(transactionID string) {
	l.mu.Lock()
	delete(l.entries, transactionID)
	l.mu.Unlock()
}
