package orchestration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casefile-io/casefile/internal/gateway"
	"github.com/casefile-io/casefile/internal/notify"
	"github.com/casefile-io/casefile/internal/quota"
	"github.com/casefile-io/casefile/internal/storage"
	"github.com/casefile-io/casefile/internal/verification"
)

const testCallerID = "acme-hr-portal"

// scriptedProvider scripts provider responses for orchestrator unit tests.
type scriptedProvider struct {
	SubmitFunc      func(ctx context.Context, identity verification.Identity) (gateway.SubmitAck, error)
	FetchResultFunc func(ctx context.Context, transactionID string) (gateway.Observation, error)
}

func (p *scriptedProvider) Submit(ctx context.Context, identity verification.Identity) (gateway.SubmitAck, error) {
	if p.SubmitFunc != nil {
		return p.SubmitFunc(ctx, identity)
	}

	return gateway.SubmitAck{TransactionID: "txn-0001", Status: verification.StatusRequested}, nil
}

func (p *scriptedProvider) FetchResult(ctx context.Context, transactionID string) (gateway.Observation, error) {
	if p.FetchResultFunc != nil {
		return p.FetchResultFunc(ctx, transactionID)
	}

	return gateway.Observation{Kind: gateway.ObservationInProgress, Code: "1019"}, nil
}

// flakyCreateStore fails CreateTransaction a fixed number of times before
// delegating to the wrapped store.
type flakyCreateStore struct {
	verification.Store
	failures int
	calls    int
}

func (s *flakyCreateStore) CreateTransaction(ctx context.Context, txn *verification.Transaction) (bool, error) {
	s.calls++
	if s.calls <= s.failures {
		return false, errors.New("store unavailable")
	}

	return s.Store.CreateTransaction(ctx, txn)
}

// gatedSink blocks Publish until its gate opens, so tests can observe what
// runs while a broker stalls.
type gatedSink struct {
	gate      chan struct{}
	published atomic.Int32
}

func (s *gatedSink) Publish(context.Context, notify.Event) error {
	<-s.gate
	s.published.Add(1)

	return nil
}

type fixture struct {
	orchestrator *Orchestrator
	store        *storage.InMemoryTransactionStore
	ledger       *quota.InMemoryLedger
	sink         *notify.MemorySink
	provider     *scriptedProvider
}

// newFixture wires an orchestrator over the in-memory stack. The parking lot
// sweep interval is an hour so sweeps never fire during a test; parking tests
// call sweep directly.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewInMemoryTransactionStore()
	ledger := quota.NewInMemoryLedger()
	ledger.Grant(testCallerID, 10)

	sink := notify.NewMemorySink()
	provider := &scriptedProvider{}

	orchestrator := NewOrchestrator(
		store,
		provider,
		ledger,
		sink,
		&Config{
			ParkRetryInterval: time.Hour,
			ParkMaxAttempts:   2,
			ParkCapacity:      4,
		},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(orchestrator.Close)

	return &fixture{
		orchestrator: orchestrator,
		store:        store,
		ledger:       ledger,
		sink:         sink,
		provider:     provider,
	}
}

// events drains in-flight publish goroutines before reading the sink, since
// finalization publishes asynchronously.
func (f *fixture) events() []notify.Event {
	f.orchestrator.publishes.Wait()

	return f.sink.Events()
}

func testIdentity() verification.Identity {
	return verification.Identity{
		Name:        "Ramesh Kumar",
		Address:     "12 MG Road, Bengaluru",
		DateOfBirth: "1990-04-12",
	}
}

func (f *fixture) initiate(t *testing.T) *verification.Transaction {
	t.Helper()

	txn, err := f.orchestrator.Initiate(context.Background(), testCallerID, "ref-001", testIdentity(), true)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	return txn
}

func TestInitiate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("creates transaction in requested state", func(t *testing.T) {
		f := newFixture(t)

		txn := f.initiate(t)

		if txn.TransactionID != "txn-0001" {
			t.Errorf("expected transaction id txn-0001, got %s", txn.TransactionID)
		}
		if txn.Status != verification.StatusRequested {
			t.Errorf("expected status REQUESTED, got %s", txn.Status)
		}
		if txn.QuotaState != verification.QuotaUncommitted {
			t.Errorf("expected quota state UNCOMMITTED, got %s", txn.QuotaState)
		}
		if txn.SubjectFingerprint == "" {
			t.Error("expected a subject fingerprint")
		}

		remaining, reserved, used, err := f.ledger.Balance(ctx, testCallerID)
		if err != nil {
			t.Fatalf("Balance failed: %v", err)
		}
		if remaining != 9 || reserved != 1 || used != 0 {
			t.Errorf("expected balance (9,1,0), got (%d,%d,%d)", remaining, reserved, used)
		}
	})

	t.Run("rejects missing consent before touching quota", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orchestrator.Initiate(ctx, testCallerID, "ref-001", testIdentity(), false)
		if !errors.Is(err, ErrConsentRequired) {
			t.Errorf("expected ErrConsentRequired, got %v", err)
		}

		_, reserved, _, _ := f.ledger.Balance(ctx, testCallerID)
		if reserved != 0 {
			t.Errorf("expected no reservation, got %d", reserved)
		}
	})

	t.Run("rejects missing caller reference", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orchestrator.Initiate(ctx, testCallerID, "", testIdentity(), true)
		if !errors.Is(err, verification.ErrCallerReferenceRequired) {
			t.Errorf("expected ErrCallerReferenceRequired, got %v", err)
		}
	})

	t.Run("rejects invalid identity", func(t *testing.T) {
		f := newFixture(t)

		identity := testIdentity()
		identity.Name = "   "

		_, err := f.orchestrator.Initiate(ctx, testCallerID, "ref-001", identity, true)
		if !errors.Is(err, verification.ErrNameRequired) {
			t.Errorf("expected ErrNameRequired, got %v", err)
		}
	})

	t.Run("rejects active duplicate caller reference", func(t *testing.T) {
		f := newFixture(t)
		f.initiate(t)

		f.provider.SubmitFunc = func(context.Context, verification.Identity) (gateway.SubmitAck, error) {
			return gateway.SubmitAck{TransactionID: "txn-0002", Status: verification.StatusRequested}, nil
		}

		_, err := f.orchestrator.Initiate(ctx, testCallerID, "ref-001", testIdentity(), true)
		if !errors.Is(err, verification.ErrDuplicateReference) {
			t.Errorf("expected ErrDuplicateReference, got %v", err)
		}

		_, reserved, _, _ := f.ledger.Balance(ctx, testCallerID)
		if reserved != 1 {
			t.Errorf("expected only the first reservation to stand, got %d", reserved)
		}
	})

	t.Run("exhausted quota blocks submission", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.Grant("tiny-caller", 0)

		submitted := false
		f.provider.SubmitFunc = func(context.Context, verification.Identity) (gateway.SubmitAck, error) {
			submitted = true

			return gateway.SubmitAck{TransactionID: "txn-0001", Status: verification.StatusRequested}, nil
		}

		_, err := f.orchestrator.Initiate(ctx, "tiny-caller", "ref-001", testIdentity(), true)
		if !errors.Is(err, ErrQuotaExhausted) {
			t.Errorf("expected ErrQuotaExhausted, got %v", err)
		}
		if submitted {
			t.Error("provider must not be called when quota is exhausted")
		}
	})

	t.Run("unknown caller surfaces ledger error", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orchestrator.Initiate(ctx, "nobody", "ref-001", testIdentity(), true)
		if !errors.Is(err, quota.ErrCallerUnknown) {
			t.Errorf("expected ErrCallerUnknown, got %v", err)
		}
	})

	t.Run("submit failure releases reservation", func(t *testing.T) {
		f := newFixture(t)

		f.provider.SubmitFunc = func(context.Context, verification.Identity) (gateway.SubmitAck, error) {
			return gateway.SubmitAck{}, gateway.ErrProviderUnavailable
		}

		_, err := f.orchestrator.Initiate(ctx, testCallerID, "ref-001", testIdentity(), true)
		if !errors.Is(err, gateway.ErrProviderUnavailable) {
			t.Errorf("expected ErrProviderUnavailable, got %v", err)
		}

		remaining, reserved, used, _ := f.ledger.Balance(ctx, testCallerID)
		if remaining != 10 || reserved != 0 || used != 0 {
			t.Errorf("expected the reservation back, got (%d,%d,%d)", remaining, reserved, used)
		}
	})

	t.Run("create retry returns stored state", func(t *testing.T) {
		f := newFixture(t)
		first := f.initiate(t)

		// Same provider transaction id again, as a retried initiation after a
		// partial failure would produce. The reference guard only blocks
		// *other* ids, so seed a fresh reference.
		f.provider.SubmitFunc = func(context.Context, verification.Identity) (gateway.SubmitAck, error) {
			return gateway.SubmitAck{TransactionID: first.TransactionID, Status: verification.StatusRequested}, nil
		}

		// Terminate the first so its reference is free.
		if _, err := f.store.TransitionStatus(ctx, first.TransactionID,
			verification.StatusRequested, verification.StatusFailed, nil, "no result", verification.SourcePoll); err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}

		again, err := f.orchestrator.Initiate(ctx, testCallerID, "ref-002", testIdentity(), true)
		if err != nil {
			t.Fatalf("retried Initiate failed: %v", err)
		}
		if again.Status != verification.StatusFailed {
			t.Errorf("expected the stored transaction back, got status %s", again.Status)
		}
	})

	t.Run("transient persist failure is retried", func(t *testing.T) {
		store := storage.NewInMemoryTransactionStore()
		flaky := &flakyCreateStore{Store: store, failures: maxCreateAttempts - 1}
		ledger := quota.NewInMemoryLedger()
		ledger.Grant(testCallerID, 10)

		orchestrator := NewOrchestrator(flaky, &scriptedProvider{}, ledger, notify.NewMemorySink(),
			&Config{ParkRetryInterval: time.Hour, ParkMaxAttempts: 2, ParkCapacity: 4},
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		t.Cleanup(orchestrator.Close)

		txn, err := orchestrator.Initiate(ctx, testCallerID, "ref-001", testIdentity(), true)
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}
		if txn.TransactionID != "txn-0001" {
			t.Errorf("expected transaction id txn-0001, got %s", txn.TransactionID)
		}
		if flaky.calls != maxCreateAttempts {
			t.Errorf("expected %d create attempts, got %d", maxCreateAttempts, flaky.calls)
		}

		remaining, reserved, used, err := ledger.Balance(ctx, testCallerID)
		if err != nil {
			t.Fatalf("Balance failed: %v", err)
		}
		if remaining != 9 || reserved != 1 || used != 0 {
			t.Errorf("expected balance (9,1,0), got (%d,%d,%d)", remaining, reserved, used)
		}
	})

	t.Run("persist exhaustion releases reservation and records the orphan", func(t *testing.T) {
		store := storage.NewInMemoryTransactionStore()
		flaky := &flakyCreateStore{Store: store, failures: maxCreateAttempts}
		ledger := quota.NewInMemoryLedger()
		ledger.Grant(testCallerID, 10)

		orchestrator := NewOrchestrator(flaky, &scriptedProvider{}, ledger, notify.NewMemorySink(),
			&Config{ParkRetryInterval: time.Hour, ParkMaxAttempts: 2, ParkCapacity: 4},
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		t.Cleanup(orchestrator.Close)

		_, err := orchestrator.Initiate(ctx, testCallerID, "ref-001", testIdentity(), true)
		if err == nil {
			t.Fatal("expected Initiate to fail after exhausting create attempts")
		}

		remaining, reserved, used, err := ledger.Balance(ctx, testCallerID)
		if err != nil {
			t.Fatalf("Balance failed: %v", err)
		}
		if remaining != 10 || reserved != 0 || used != 0 {
			t.Errorf("expected the reservation back, got (%d,%d,%d)", remaining, reserved, used)
		}

		anomalies := store.Anomalies()
		if len(anomalies) != 1 {
			t.Fatalf("expected 1 anomaly for the orphaned provider transaction, got %d", len(anomalies))
		}
		if anomalies[0].TransactionID != "txn-0001" {
			t.Errorf("expected the anomaly to name the provider transaction, got %s", anomalies[0].TransactionID)
		}
	})
}

func TestPoll(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orchestrator.Poll(ctx, "txn-missing")
		if !errors.Is(err, verification.ErrTransactionNotFound) {
			t.Errorf("expected ErrTransactionNotFound, got %v", err)
		}
	})

	t.Run("active transaction refreshes from provider", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		f.provider.FetchResultFunc = func(_ context.Context, id string) (gateway.Observation, error) {
			if id != txn.TransactionID {
				t.Errorf("expected fetch for %s, got %s", txn.TransactionID, id)
			}

			return gateway.Observation{Kind: gateway.ObservationInProgress, Code: "1016"}, nil
		}

		polled, err := f.orchestrator.Poll(ctx, txn.TransactionID)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if polled.Status != verification.StatusInProgress {
			t.Errorf("expected IN_PROGRESS, got %s", polled.Status)
		}
	})

	t.Run("completion settles quota and notifies", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
			return gateway.Observation{
				Kind:   gateway.ObservationCompleted,
				Code:   "1004",
				Report: &verification.Report{CaseCount: 2},
			}, nil
		}

		polled, err := f.orchestrator.Poll(ctx, txn.TransactionID)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if polled.Status != verification.StatusCompleted {
			t.Errorf("expected COMPLETED, got %s", polled.Status)
		}
		if polled.QuotaState != verification.QuotaCommitted {
			t.Errorf("expected quota COMMITTED, got %s", polled.QuotaState)
		}
		if polled.Report == nil || polled.Report.CaseCount != 2 {
			t.Errorf("expected report with 2 cases, got %+v", polled.Report)
		}

		remaining, reserved, used, _ := f.ledger.Balance(ctx, testCallerID)
		if remaining != 9 || reserved != 0 || used != 1 {
			t.Errorf("expected balance (9,0,1), got (%d,%d,%d)", remaining, reserved, used)
		}

		events := f.events()
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].TransactionID != txn.TransactionID {
			t.Errorf("expected event for %s, got %s", txn.TransactionID, events[0].TransactionID)
		}
		if events[0].Status != verification.StatusCompleted {
			t.Errorf("expected event status COMPLETED, got %s", events[0].Status)
		}
		if events[0].CaseCount != 2 {
			t.Errorf("expected event case count 2, got %d", events[0].CaseCount)
		}
		if events[0].EventID == "" {
			t.Error("expected a non-empty event id")
		}
	})

	t.Run("failure releases quota credit", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
			return gateway.Observation{Kind: gateway.ObservationFailed, Code: "1006", Reason: "no result available"}, nil
		}

		polled, err := f.orchestrator.Poll(ctx, txn.TransactionID)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if polled.QuotaState != verification.QuotaReleased {
			t.Errorf("expected quota RELEASED, got %s", polled.QuotaState)
		}
		if polled.FailureReason != "no result available" {
			t.Errorf("expected failure reason preserved, got %q", polled.FailureReason)
		}

		remaining, reserved, used, _ := f.ledger.Balance(ctx, testCallerID)
		if remaining != 10 || reserved != 0 || used != 0 {
			t.Errorf("expected the credit returned, got (%d,%d,%d)", remaining, reserved, used)
		}
	})

	t.Run("terminal transaction answers without provider", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
			return gateway.Observation{Kind: gateway.ObservationCompleted, Code: "1004", Report: &verification.Report{}}, nil
		}
		if _, err := f.orchestrator.Poll(ctx, txn.TransactionID); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}

		f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
			t.Error("provider must not be called for a terminal transaction")

			return gateway.Observation{}, nil
		}

		polled, err := f.orchestrator.Poll(ctx, txn.TransactionID)
		if err != nil {
			t.Fatalf("second Poll failed: %v", err)
		}
		if polled.Status != verification.StatusCompleted {
			t.Errorf("expected COMPLETED, got %s", polled.Status)
		}

		if len(f.events()) != 1 {
			t.Errorf("expected no duplicate event, got %d", len(f.events()))
		}
	})

	t.Run("provider failure degrades to stored state", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
			return gateway.Observation{}, gateway.ErrProviderUnavailable
		}

		polled, err := f.orchestrator.Poll(ctx, txn.TransactionID)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if polled.Status != verification.StatusRequested {
			t.Errorf("expected stored REQUESTED back, got %s", polled.Status)
		}
	})

	t.Run("malformed payload recorded as anomaly", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
			return gateway.Observation{}, gateway.ErrMalformedPayload
		}

		if _, err := f.orchestrator.Poll(ctx, txn.TransactionID); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}

		anomalies := f.store.Anomalies()
		if len(anomalies) != 1 {
			t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
		}
		if anomalies[0].TransactionID != txn.TransactionID {
			t.Errorf("expected anomaly for %s, got %s", txn.TransactionID, anomalies[0].TransactionID)
		}
	})

	t.Run("repairs unsettled credit on terminal transaction", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		// Simulate a crash between the status write and the settlement: the
		// terminal status landed, the quota state did not.
		if _, err := f.store.TransitionStatus(ctx, txn.TransactionID,
			verification.StatusRequested, verification.StatusFailed, nil, "timeout", verification.SourcePoll); err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}

		polled, err := f.orchestrator.Poll(ctx, txn.TransactionID)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if polled.QuotaState == verification.QuotaUncommitted {
			// Poll returns the snapshot read before the repair; the settled
			// state is in the store.
			polled, err = f.store.GetTransaction(ctx, txn.TransactionID)
			if err != nil {
				t.Fatalf("GetTransaction failed: %v", err)
			}
		}
		if polled.QuotaState != verification.QuotaReleased {
			t.Errorf("expected quota RELEASED after repair, got %s", polled.QuotaState)
		}

		remaining, reserved, used, _ := f.ledger.Balance(ctx, testCallerID)
		if remaining != 10 || reserved != 0 || used != 0 {
			t.Errorf("expected the credit returned, got (%d,%d,%d)", remaining, reserved, used)
		}
		if len(f.events()) != 1 {
			t.Errorf("expected the repair to publish once, got %d events", len(f.events()))
		}
	})
}

func TestIngestCallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("terminal callback finalizes the transaction", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		err := f.orchestrator.IngestCallback(ctx, gateway.Callback{
			TransactionID: txn.TransactionID,
			Observation: gateway.Observation{
				Kind:   gateway.ObservationCompleted,
				Code:   "1004",
				Report: &verification.Report{CaseCount: 1},
			},
		})
		if err != nil {
			t.Fatalf("IngestCallback failed: %v", err)
		}

		stored, err := f.store.GetTransaction(ctx, txn.TransactionID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if stored.Status != verification.StatusCompleted {
			t.Errorf("expected COMPLETED, got %s", stored.Status)
		}
		if stored.LastUpdateSource != verification.SourceCallback {
			t.Errorf("expected source CALLBACK, got %s", stored.LastUpdateSource)
		}
		if stored.QuotaState != verification.QuotaCommitted {
			t.Errorf("expected quota COMMITTED, got %s", stored.QuotaState)
		}
		if len(f.events()) != 1 {
			t.Errorf("expected 1 event, got %d", len(f.events()))
		}
	})

	t.Run("duplicate terminal callback is a no-op", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		callback := gateway.Callback{
			TransactionID: txn.TransactionID,
			Observation:   gateway.Observation{Kind: gateway.ObservationFailed, Code: "1006"},
		}

		for i := 0; i < 3; i++ {
			if err := f.orchestrator.IngestCallback(ctx, callback); err != nil {
				t.Fatalf("IngestCallback %d failed: %v", i, err)
			}
		}

		if got := f.ledger.CommitCount(testCallerID); got != 0 {
			t.Errorf("expected no commits for a failure, got %d", got)
		}
		remaining, reserved, used, _ := f.ledger.Balance(ctx, testCallerID)
		if remaining != 10 || reserved != 0 || used != 0 {
			t.Errorf("expected the credit released exactly once, got (%d,%d,%d)", remaining, reserved, used)
		}
		if len(f.events()) != 1 {
			t.Errorf("expected 1 event despite redelivery, got %d", len(f.events()))
		}
	})

	t.Run("terminal disagreement records anomaly and keeps verdict", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		if err := f.orchestrator.IngestCallback(ctx, gateway.Callback{
			TransactionID: txn.TransactionID,
			Observation:   gateway.Observation{Kind: gateway.ObservationCompleted, Code: "1004", Report: &verification.Report{}},
		}); err != nil {
			t.Fatalf("IngestCallback failed: %v", err)
		}

		if err := f.orchestrator.IngestCallback(ctx, gateway.Callback{
			TransactionID: txn.TransactionID,
			Observation:   gateway.Observation{Kind: gateway.ObservationFailed, Code: "1006"},
		}); err != nil {
			t.Fatalf("conflicting IngestCallback failed: %v", err)
		}

		stored, _ := f.store.GetTransaction(ctx, txn.TransactionID)
		if stored.Status != verification.StatusCompleted {
			t.Errorf("expected the stored verdict to stand, got %s", stored.Status)
		}

		anomalies := f.store.Anomalies()
		if len(anomalies) != 1 {
			t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
		}
		if anomalies[0].Payload != "1006" {
			t.Errorf("expected the conflicting code preserved, got %q", anomalies[0].Payload)
		}
	})

	t.Run("callback ack does not wait on the notification sink", func(t *testing.T) {
		store := storage.NewInMemoryTransactionStore()
		ledger := quota.NewInMemoryLedger()
		ledger.Grant(testCallerID, 10)

		sink := &gatedSink{gate: make(chan struct{})}

		orchestrator := NewOrchestrator(store, &scriptedProvider{}, ledger, sink,
			&Config{ParkRetryInterval: time.Hour, ParkMaxAttempts: 2, ParkCapacity: 4},
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)

		txn, err := orchestrator.Initiate(ctx, testCallerID, "ref-001", testIdentity(), true)
		if err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}

		// The gate stays shut, so a synchronous publish would hang here
		// instead of acking the callback.
		err = orchestrator.IngestCallback(ctx, gateway.Callback{
			TransactionID: txn.TransactionID,
			Observation:   gateway.Observation{Kind: gateway.ObservationFailed, Code: "1006"},
		})
		if err != nil {
			close(sink.gate)
			t.Fatalf("IngestCallback failed: %v", err)
		}

		stored, err := store.GetTransaction(ctx, txn.TransactionID)
		if err != nil {
			close(sink.gate)
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if stored.QuotaState != verification.QuotaReleased {
			t.Errorf("expected quota settled before the publish lands, got %s", stored.QuotaState)
		}
		if got := sink.published.Load(); got != 0 {
			t.Errorf("expected the publish still gated, got %d", got)
		}

		close(sink.gate)
		orchestrator.Close()

		if got := sink.published.Load(); got != 1 {
			t.Errorf("expected 1 publish after the gate opened, got %d", got)
		}
	})

	t.Run("in-progress redelivery is a silent no-op", func(t *testing.T) {
		f := newFixture(t)
		txn := f.initiate(t)

		f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
			return gateway.Observation{Kind: gateway.ObservationInProgress, Code: "1016"}, nil
		}
		if _, err := f.orchestrator.Poll(ctx, txn.TransactionID); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}

		redelivery := gateway.Observation{Kind: gateway.ObservationInProgress, Code: "1019"}
		if err := f.orchestrator.IngestCallback(ctx, gateway.Callback{TransactionID: txn.TransactionID, Observation: redelivery}); err != nil {
			t.Fatalf("IngestCallback failed: %v", err)
		}

		stored, _ := f.store.GetTransaction(ctx, txn.TransactionID)
		if stored.Status != verification.StatusInProgress {
			t.Errorf("expected IN_PROGRESS preserved, got %s", stored.Status)
		}
		if len(f.store.Anomalies()) != 0 {
			t.Errorf("expected no anomaly for an idempotent replay, got %d", len(f.store.Anomalies()))
		}
	})

	t.Run("unknown transaction parks without error", func(t *testing.T) {
		f := newFixture(t)

		err := f.orchestrator.IngestCallback(ctx, gateway.Callback{
			TransactionID: "txn-early",
			Observation:   gateway.Observation{Kind: gateway.ObservationCompleted, Code: "1004", Report: &verification.Report{}},
		})
		if err != nil {
			t.Fatalf("IngestCallback failed: %v", err)
		}

		if got := f.orchestrator.lot.size(); got != 1 {
			t.Errorf("expected 1 parked callback, got %d", got)
		}
	})
}

func TestConcurrentFinalization(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	f := newFixture(t)
	txn := f.initiate(t)

	f.provider.FetchResultFunc = func(context.Context, string) (gateway.Observation, error) {
		return gateway.Observation{Kind: gateway.ObservationCompleted, Code: "1004", Report: &verification.Report{CaseCount: 1}}, nil
	}
	callback := gateway.Callback{
		TransactionID: txn.TransactionID,
		Observation:   gateway.Observation{Kind: gateway.ObservationCompleted, Code: "1004", Report: &verification.Report{CaseCount: 1}},
	}

	// Both channels observe the same terminal at once. The quota CAS must
	// pick one winner: one commit, one event.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_, _ = f.orchestrator.Poll(ctx, txn.TransactionID)
		}()
		go func() {
			defer wg.Done()

			_ = f.orchestrator.IngestCallback(ctx, callback)
		}()
	}
	wg.Wait()

	if got := f.ledger.CommitCount(testCallerID); got != 1 {
		t.Errorf("expected exactly 1 ledger commit, got %d", got)
	}

	remaining, reserved, used, _ := f.ledger.Balance(ctx, testCallerID)
	if remaining != 9 || reserved != 0 || used != 1 {
		t.Errorf("expected balance (9,0,1), got (%d,%d,%d)", remaining, reserved, used)
	}

	if got := len(f.events()); got != 1 {
		t.Errorf("expected exactly 1 event, got %d", got)
	}
}
