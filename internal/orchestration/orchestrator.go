// Package orchestration reconciles verification transactions across the two
// unordered delivery channels: caller-initiated polling and provider-pushed
// callbacks.
//
// Both channels normalize provider payloads into a gateway.Observation and
// hand it to the same apply path, so the state machine, quota settlement, and
// notification dispatch live in exactly one place.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casefile-io/casefile/internal/gateway"
	"github.com/casefile-io/casefile/internal/notify"
	"github.com/casefile-io/casefile/internal/quota"
	"github.com/casefile-io/casefile/internal/verification"
)

// maxApplyAttempts bounds the re-read/retry loop when a status-guarded write
// loses a race. Two channels means at most one concurrent competitor, so three
// attempts is already generous.
const maxApplyAttempts = 3

// maxCreateAttempts bounds the persist retry after a successful provider
// submission. Giving up strands the provider's transaction id, so transient
// store failures get a few tries before the reservation is returned.
const maxCreateAttempts = 3

// publishTimeout bounds a single notification publish. Publishes run detached
// from the request context so a slow broker cannot hold up a channel ack.
const publishTimeout = 10 * time.Second

// Sentinel errors for the orchestration entry points.
var (
	// ErrQuotaExhausted indicates the caller has no remaining verification
	// credits. No provider submission happens on this path.
	ErrQuotaExhausted = errors.New("caller verification quota exhausted")

	// ErrConsentRequired indicates the caller did not supply an explicit
	// affirmative consent marker.
	ErrConsentRequired = verification.ErrConsentRequired
)

type (
	// Provider is the slice of the provider gateway the orchestrator needs.
	// gateway.Client satisfies it; tests substitute a scripted fake.
	Provider interface {
		// Submit posts a search for the subject and returns the provider's
		// acknowledgment with the newly issued transaction id.
		Submit(ctx context.Context, identity verification.Identity) (gateway.SubmitAck, error)

		// FetchResult retrieves the provider's current view of a transaction.
		FetchResult(ctx context.Context, transactionID string) (gateway.Observation, error)
	}

	// Orchestrator owns the verification transaction lifecycle.
	Orchestrator struct {
		store    verification.Store
		provider Provider
		ledger   quota.Ledger
		sink     notify.Sink
		lot      *ParkingLot
		logger   *slog.Logger

		// publishes tracks in-flight notification goroutines so Close can
		// drain them.
		publishes sync.WaitGroup
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// WithLogger sets the structured logger used by the orchestrator and its
// parking lot.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator wires the orchestrator and starts the parked-callback
// retry loop. Call Close to stop it.
func NewOrchestrator(
	store verification.Store,
	provider Provider,
	ledger quota.Ledger,
	sink notify.Sink,
	cfg *Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		provider: provider,
		ledger:   ledger,
		sink:     sink,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.lot = newParkingLot(cfg, o.retryParked, o.abandonParked, o.logger)
	o.lot.start()

	return o
}

// Close stops the parked-callback retry loop and waits for it and any
// in-flight notification publishes to drain.
func (o *Orchestrator) Close() {
	o.lot.stop()
	o.publishes.Wait()
}

// Initiate validates the request, reserves a quota credit, submits the search
// to the provider, and persists the new transaction in REQUESTED state.
//
// Failure ordering matters: validation runs before the quota reservation, and
// a failed provider submission releases the reservation, so a credit is only
// ever consumed by a verification that reached a result.
func (o *Orchestrator) Initiate(
	ctx context.Context,
	callerID, callerReferenceID string,
	identity verification.Identity,
	consent bool,
) (*verification.Transaction, error) {
	if !consent {
		return nil, ErrConsentRequired
	}

	if callerReferenceID == "" {
		return nil, verification.ErrCallerReferenceRequired
	}

	if err := identity.Validate(); err != nil {
		return nil, err
	}

	if existing, err := o.store.FindByCallerReference(ctx, callerReferenceID); err == nil && existing.IsActive() {
		return nil, fmt.Errorf("%w: %s", verification.ErrDuplicateReference, callerReferenceID)
	} else if err != nil && !errors.Is(err, verification.ErrTransactionNotFound) {
		return nil, fmt.Errorf("failed to check caller reference: %w", err)
	}

	authorized, err := o.ledger.Authorize(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize quota: %w", err)
	}

	if !authorized {
		return nil, fmt.Errorf("%w: caller %s", ErrQuotaExhausted, callerID)
	}

	ack, err := o.provider.Submit(ctx, identity)
	if err != nil {
		o.releaseReservation(ctx, callerID, "provider submission failed")

		return nil, fmt.Errorf("provider submission failed: %w", err)
	}

	now := time.Now().UTC()
	txn := &verification.Transaction{
		TransactionID:      ack.TransactionID,
		CallerID:           callerID,
		CallerReferenceID:  callerReferenceID,
		SubjectFingerprint: verification.SubjectFingerprint(identity),
		Status:             ack.Status,
		QuotaState:         verification.QuotaUncommitted,
		LastUpdateSource:   verification.SourcePoll,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var created bool

	for attempt := 1; ; attempt++ {
		created, err = o.store.CreateTransaction(ctx, txn)
		if err == nil {
			break
		}

		if errors.Is(err, verification.ErrDuplicateReference) {
			// Lost a race on the reference guard after the provider accepted
			// the search. The reservation goes back; the stray provider
			// transaction is recorded for manual review.
			o.releaseReservation(ctx, callerID, "duplicate caller reference")
			o.recordAnomaly(ctx, ack.TransactionID, verification.SourcePoll,
				"provider transaction orphaned by duplicate caller reference", callerReferenceID)

			return nil, err
		}

		if attempt == maxCreateAttempts {
			// The provider already accepted this search. The reservation goes
			// back; the stranded provider transaction is recorded for manual
			// review.
			o.releaseReservation(ctx, callerID, "transaction persist failed")
			o.recordAnomaly(ctx, ack.TransactionID, verification.SourcePoll,
				"provider transaction orphaned by persist failure", callerReferenceID)

			return nil, fmt.Errorf("failed to persist transaction: %w", err)
		}

		o.logger.Warn("transaction persist failed, retrying",
			slog.String("transaction_id", ack.TransactionID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	if !created {
		// Create retry after a partial failure: the record already exists,
		// return the stored state instead of a duplicate.
		return o.store.GetTransaction(ctx, txn.TransactionID)
	}

	o.logger.Info("verification initiated",
		slog.String("transaction_id", txn.TransactionID),
		slog.String("caller_id", callerID),
		slog.String("caller_reference_id", callerReferenceID),
	)

	return txn, nil
}

// Poll returns the transaction's current state, refreshing it from the
// provider when it is still active.
//
// Terminal transactions answer from the store without a provider round trip.
// A transient provider failure degrades to the stored state instead of
// surfacing an error: the caller asked "where is my verification", and the
// store always has an answer.
func (o *Orchestrator) Poll(ctx context.Context, transactionID string) (*verification.Transaction, error) {
	txn, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if txn.Status.IsTerminal() {
		// Crash window repair: the status write and the quota settlement are
		// separate writes, and a crash between them leaves the credit
		// unsettled. The settle CAS makes re-running it safe.
		if txn.QuotaState == verification.QuotaUncommitted {
			o.finalize(ctx, txn, txn.Status, verification.SourcePoll)
		}

		return txn, nil
	}

	obs, err := o.provider.FetchResult(ctx, transactionID)
	if err != nil {
		if errors.Is(err, gateway.ErrMalformedPayload) {
			o.recordAnomaly(ctx, transactionID, verification.SourcePoll, "unparseable fetch-result payload", err.Error())
		} else {
			o.logger.Warn("provider fetch failed, returning stored state",
				slog.String("transaction_id", transactionID),
				slog.String("error", err.Error()),
			)
		}

		return txn, nil
	}

	if err := o.apply(ctx, txn, obs, verification.SourcePoll); err != nil {
		return nil, err
	}

	return o.store.GetTransaction(ctx, transactionID)
}

// IngestCallback applies a provider-pushed callback.
//
// A callback for a transaction the store has never seen is parked and retried
// on a short schedule: the provider can push the result before the initiator's
// store write lands. The caller always gets a nil error for an unknown id so
// the HTTP layer acknowledges the delivery and the provider stops re-pushing.
func (o *Orchestrator) IngestCallback(ctx context.Context, callback gateway.Callback) error {
	txn, err := o.store.GetTransaction(ctx, callback.TransactionID)
	if err != nil {
		if errors.Is(err, verification.ErrTransactionNotFound) {
			o.lot.park(ctx, callback)

			return nil
		}

		return fmt.Errorf("failed to load transaction for callback: %w", err)
	}

	return o.apply(ctx, txn, callback.Observation, verification.SourceCallback)
}

// apply is the single reconciliation path both channels converge on.
//
// The loop re-reads and retries when the status-guarded write loses a race,
// so a lost race against the other channel degrades into an ordinary "apply
// against the newer state" round instead of an error.
func (o *Orchestrator) apply(
	ctx context.Context,
	txn *verification.Transaction,
	obs gateway.Observation,
	source verification.UpdateSource,
) error {
	to := obs.Status()

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		from := txn.Status

		if verification.IsNoOpTransition(from, to) {
			// Idempotent redelivery: nothing to write, but a terminal
			// re-observation still repairs an unsettled credit.
			if to.IsTerminal() && txn.QuotaState == verification.QuotaUncommitted {
				o.finalize(ctx, txn, to, source)
			}

			return nil
		}

		if err := verification.ValidateStatusTransition(from, to); err != nil {
			if errors.Is(err, verification.ErrTerminalStateImmutable) {
				// Terminal disagreement: the stored verdict stands, the
				// conflicting observation is preserved for review.
				o.recordAnomaly(ctx, txn.TransactionID, source,
					fmt.Sprintf("terminal disagreement: stored %s, observed %s", from, to), obs.Code)

				return nil
			}

			// Stale observation (e.g. a REQUESTED replay against IN_PROGRESS).
			o.logger.Debug("discarding stale observation",
				slog.String("transaction_id", txn.TransactionID),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)

			return nil
		}

		swapped, err := o.store.TransitionStatus(ctx, txn.TransactionID, from, to, obs.Report, obs.Reason, source)
		if err != nil {
			return fmt.Errorf("failed to transition %s: %w", txn.TransactionID, err)
		}

		if swapped {
			o.logger.Info("verification transitioned",
				slog.String("transaction_id", txn.TransactionID),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
				slog.String("source", string(source)),
			)

			if to.IsTerminal() {
				o.finalize(ctx, txn, to, source)
			}

			return nil
		}

		// Lost the race to the other channel: reload and reconcile against
		// whatever landed first.
		txn, err = o.store.GetTransaction(ctx, txn.TransactionID)
		if err != nil {
			return fmt.Errorf("failed to reload after lost race: %w", err)
		}
	}

	o.recordAnomaly(ctx, txn.TransactionID, source,
		"status write kept losing races, observation dropped", obs.Code)

	return nil
}

// finalize settles the quota credit and publishes the finalized event.
//
// Both channels can observe the same terminal concurrently; the quota-state
// CAS picks exactly one winner, and only the winner touches the ledger and
// the notification sink. COMPLETED debits the credit, every other terminal
// returns it.
func (o *Orchestrator) finalize(
	ctx context.Context,
	txn *verification.Transaction,
	status verification.Status,
	source verification.UpdateSource,
) {
	target := verification.QuotaReleased
	if status == verification.StatusCompleted {
		target = verification.QuotaCommitted
	}

	swapped, err := o.store.SettleQuota(ctx, txn.TransactionID, target)
	if err != nil {
		o.logger.Error("quota settlement write failed",
			slog.String("transaction_id", txn.TransactionID),
			slog.String("error", err.Error()),
		)

		return
	}

	if !swapped {
		return
	}

	switch target {
	case verification.QuotaCommitted:
		err = o.ledger.Commit(ctx, txn.CallerID)
	case verification.QuotaReleased:
		err = o.ledger.Release(ctx, txn.CallerID)
	}

	if err != nil {
		o.logger.Error("ledger settlement failed",
			slog.String("transaction_id", txn.TransactionID),
			slog.String("caller_id", txn.CallerID),
			slog.String("quota_state", string(target)),
			slog.String("error", err.Error()),
		)
	}

	o.publishes.Add(1)

	go func() {
		defer o.publishes.Done()

		// Detached from the caller's context: the channel that observed the
		// terminal (a callback ack, a poll response) must not wait on the
		// broker, and the broker must not inherit the request deadline.
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		o.publishFinalized(pubCtx, txn, status, source)
	}()
}

// publishFinalized emits the finalized-verification event. Fire and forget:
// a sink failure is logged, never propagated, and never rolls back state.
func (o *Orchestrator) publishFinalized(
	ctx context.Context,
	txn *verification.Transaction,
	status verification.Status,
	source verification.UpdateSource,
) {
	event := notify.Event{
		EventID:           uuid.NewString(),
		TransactionID:     txn.TransactionID,
		CallerID:          txn.CallerID,
		CallerReferenceID: txn.CallerReferenceID,
		Status:            status,
		FinalizedAt:       time.Now().UTC(),
	}

	if fresh, err := o.store.GetTransaction(ctx, txn.TransactionID); err == nil && fresh.Report != nil {
		event.CaseCount = fresh.Report.CaseCount
	}

	if err := o.sink.Publish(ctx, event); err != nil {
		o.logger.Error("notification publish failed",
			slog.String("transaction_id", txn.TransactionID),
			slog.String("status", status.String()),
			slog.String("source", string(source)),
			slog.String("error", err.Error()),
		)

		return
	}

	o.logger.Info("verification finalized",
		slog.String("transaction_id", txn.TransactionID),
		slog.String("status", status.String()),
		slog.String("source", string(source)),
	)
}

// retryParked re-attempts a parked callback. Returns true once the callback
// was applied (or conclusively handled), false while the transaction is still
// unknown.
func (o *Orchestrator) retryParked(ctx context.Context, callback gateway.Callback) (bool, error) {
	txn, err := o.store.GetTransaction(ctx, callback.TransactionID)
	if err != nil {
		if errors.Is(err, verification.ErrTransactionNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, o.apply(ctx, txn, callback.Observation, verification.SourceCallback)
}

// abandonParked records a callback whose transaction never appeared.
func (o *Orchestrator) abandonParked(ctx context.Context, callback gateway.Callback, attempts int) {
	o.recordAnomaly(ctx, callback.TransactionID, verification.SourceCallback,
		fmt.Sprintf("callback for unknown transaction abandoned after %d attempts", attempts), callback.Observation.Code)
}

// recordAnomaly persists an observation that could not be applied. Failures
// here are logged, never propagated: anomaly capture must not break the
// channel that produced it.
func (o *Orchestrator) recordAnomaly(
	ctx context.Context,
	transactionID string,
	source verification.UpdateSource,
	reason, payload string,
) {
	anomaly := &verification.Anomaly{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Source:        source,
		Reason:        reason,
		Payload:       payload,
		ObservedAt:    time.Now().UTC(),
	}

	if err := o.store.RecordAnomaly(ctx, anomaly); err != nil {
		o.logger.Error("failed to record anomaly",
			slog.String("transaction_id", transactionID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)

		return
	}

	o.logger.Warn("anomaly recorded",
		slog.String("transaction_id", transactionID),
		slog.String("source", string(source)),
		slog.String("reason", reason),
	)
}

// releaseReservation returns a reserved credit on an initiation failure path.
func (o *Orchestrator) releaseReservation(ctx context.Context, callerID, cause string) {
	if err := o.ledger.Release(ctx, callerID); err != nil {
		o.logger.Error("failed to release quota reservation",
			slog.String("caller_id", callerID),
			slog.String("cause", cause),
			slog.String("error", err.Error()),
		)
	}
}
