package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefile-io/casefile/internal/verification"
)

func seedTransaction(id, reference string) *verification.Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)

	return &verification.Transaction{
		TransactionID:      id,
		CallerID:           "acme-hr-portal",
		CallerReferenceID:  reference,
		SubjectFingerprint: "fp-" + id,
		Status:             verification.StatusRequested,
		QuotaState:         verification.QuotaUncommitted,
		LastUpdateSource:   verification.SourcePoll,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestTransactionStoreCreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewTransactionStore(conn)
	require.NoError(t, err)

	t.Run("create persists all fields", func(t *testing.T) {
		created, err := store.CreateTransaction(ctx, seedTransaction("txn-create-1", "ref-create-1"))
		require.NoError(t, err)
		assert.True(t, created)

		txn, err := store.GetTransaction(ctx, "txn-create-1")
		require.NoError(t, err)
		assert.Equal(t, "acme-hr-portal", txn.CallerID)
		assert.Equal(t, "ref-create-1", txn.CallerReferenceID)
		assert.Equal(t, verification.StatusRequested, txn.Status)
		assert.Equal(t, verification.QuotaUncommitted, txn.QuotaState)
		assert.Nil(t, txn.Report)
		assert.Nil(t, txn.FinalizedAt)
	})

	t.Run("create retry is a no-op", func(t *testing.T) {
		txn := seedTransaction("txn-create-2", "ref-create-2")

		created, err := store.CreateTransaction(ctx, txn)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.CreateTransaction(ctx, txn)
		require.NoError(t, err)
		assert.False(t, created, "retried insert must report created=false")
	})

	t.Run("active duplicate reference violates the partial index", func(t *testing.T) {
		_, err := store.CreateTransaction(ctx, seedTransaction("txn-create-3", "ref-dup"))
		require.NoError(t, err)

		_, err = store.CreateTransaction(ctx, seedTransaction("txn-create-4", "ref-dup"))
		require.ErrorIs(t, err, verification.ErrDuplicateReference)
	})

	t.Run("terminal transaction frees its reference", func(t *testing.T) {
		_, err := store.CreateTransaction(ctx, seedTransaction("txn-create-5", "ref-freed"))
		require.NoError(t, err)

		applied, err := store.TransitionStatus(
			ctx, "txn-create-5",
			verification.StatusRequested, verification.StatusFailed,
			nil, "unable to verify", verification.SourceCallback,
		)
		require.NoError(t, err)
		require.True(t, applied)

		created, err := store.CreateTransaction(ctx, seedTransaction("txn-create-6", "ref-freed"))
		require.NoError(t, err)
		assert.True(t, created, "a terminal transaction must not block reuse of its reference")
	})

	t.Run("get missing transaction", func(t *testing.T) {
		_, err := store.GetTransaction(ctx, "txn-missing")
		require.ErrorIs(t, err, verification.ErrTransactionNotFound)
	})
}

func TestTransactionStoreTransitionStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewTransactionStore(conn)
	require.NoError(t, err)

	t.Run("status guard admits exactly one writer", func(t *testing.T) {
		_, err := store.CreateTransaction(ctx, seedTransaction("txn-guard", "ref-guard"))
		require.NoError(t, err)

		applied, err := store.TransitionStatus(
			ctx, "txn-guard",
			verification.StatusRequested, verification.StatusInProgress,
			nil, "", verification.SourcePoll,
		)
		require.NoError(t, err)
		assert.True(t, applied)

		// The same guarded write again loses: the row moved on.
		applied, err = store.TransitionStatus(
			ctx, "txn-guard",
			verification.StatusRequested, verification.StatusInProgress,
			nil, "", verification.SourceCallback,
		)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("completion writes report and finalized timestamp", func(t *testing.T) {
		_, err := store.CreateTransaction(ctx, seedTransaction("txn-complete", "ref-complete"))
		require.NoError(t, err)

		report := &verification.Report{
			CaseCount: 2,
			Cases: []verification.CaseRecord{
				{CaseNumber: "CR/123/2020", CourtName: "District Court Bengaluru", StateName: "Karnataka"},
				{CaseNumber: "CR/456/2021", CourtName: "High Court of Karnataka", StateName: "Karnataka"},
			},
			Individuals: []verification.MatchedIndividual{
				{Role: "RESPONDENT", Severity: "HIGH", MatchType: "EXACT"},
			},
			ReportPDFURL: "https://reports.example.com/txn-complete.pdf",
		}

		applied, err := store.TransitionStatus(
			ctx, "txn-complete",
			verification.StatusRequested, verification.StatusCompleted,
			report, "", verification.SourceCallback,
		)
		require.NoError(t, err)
		require.True(t, applied)

		txn, err := store.GetTransaction(ctx, "txn-complete")
		require.NoError(t, err)
		require.NotNil(t, txn.Report)
		assert.Equal(t, 2, txn.Report.CaseCount)
		assert.Len(t, txn.Report.Cases, 2)
		assert.Equal(t, "CR/123/2020", txn.Report.Cases[0].CaseNumber)
		assert.Equal(t, "https://reports.example.com/txn-complete.pdf", txn.Report.ReportPDFURL)
		require.NotNil(t, txn.FinalizedAt)
		assert.Equal(t, verification.SourceCallback, txn.LastUpdateSource)
	})

	t.Run("failure reason is preserved", func(t *testing.T) {
		_, err := store.CreateTransaction(ctx, seedTransaction("txn-fail", "ref-fail"))
		require.NoError(t, err)

		applied, err := store.TransitionStatus(
			ctx, "txn-fail",
			verification.StatusRequested, verification.StatusFailed,
			nil, "source system timed out", verification.SourcePoll,
		)
		require.NoError(t, err)
		require.True(t, applied)

		txn, err := store.GetTransaction(ctx, "txn-fail")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusFailed, txn.Status)
		assert.Equal(t, "source system timed out", txn.FailureReason)
	})

	t.Run("transition of missing transaction", func(t *testing.T) {
		_, err := store.TransitionStatus(
			ctx, "txn-missing",
			verification.StatusRequested, verification.StatusInProgress,
			nil, "", verification.SourcePoll,
		)
		require.ErrorIs(t, err, verification.ErrTransactionNotFound)
	})
}

func TestTransactionStoreSettleQuota(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewTransactionStore(conn)
	require.NoError(t, err)

	_, err = store.CreateTransaction(ctx, seedTransaction("txn-settle", "ref-settle"))
	require.NoError(t, err)

	t.Run("concurrent settlement admits one winner", func(t *testing.T) {
		const contenders = 8

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)

		for i := 0; i < contenders; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				settled, err := store.SettleQuota(ctx, "txn-settle", verification.QuotaCommitted)
				if err != nil {
					t.Errorf("SettleQuota() unexpected error: %v", err)

					return
				}

				if settled {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, 1, wins, "the quota-state CAS must admit exactly one winner")

		txn, err := store.GetTransaction(ctx, "txn-settle")
		require.NoError(t, err)
		assert.Equal(t, verification.QuotaCommitted, txn.QuotaState)
	})

	t.Run("settlement of missing transaction", func(t *testing.T) {
		_, err := store.SettleQuota(ctx, "txn-missing", verification.QuotaReleased)
		require.ErrorIs(t, err, verification.ErrTransactionNotFound)
	})
}

func TestTransactionStoreFindByCallerReference(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewTransactionStore(conn)
	require.NoError(t, err)

	first := seedTransaction("txn-ref-1", "ref-shared")
	first.CreatedAt = first.CreatedAt.Add(-time.Hour)
	first.UpdatedAt = first.CreatedAt

	_, err = store.CreateTransaction(ctx, first)
	require.NoError(t, err)

	applied, err := store.TransitionStatus(
		ctx, "txn-ref-1",
		verification.StatusRequested, verification.StatusRegionNotSupported,
		nil, "no court source for region", verification.SourcePoll,
	)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = store.CreateTransaction(ctx, seedTransaction("txn-ref-2", "ref-shared"))
	require.NoError(t, err)

	txn, err := store.FindByCallerReference(ctx, "ref-shared")
	require.NoError(t, err)
	assert.Equal(t, "txn-ref-2", txn.TransactionID, "must return the most recent transaction")

	_, err = store.FindByCallerReference(ctx, "ref-unknown")
	require.ErrorIs(t, err, verification.ErrTransactionNotFound)
}

func TestTransactionStoreRecordAnomaly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewTransactionStore(conn)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		anomaly := &verification.Anomaly{
			ID:            fmt.Sprintf("anomaly-%d", i),
			TransactionID: "txn-anomaly",
			Source:        verification.SourceCallback,
			Reason:        "callback for unknown transaction exhausted retries",
			Payload:       `{"transactionId":"txn-anomaly"}`,
			ObservedAt:    time.Now().UTC(),
		}

		require.NoError(t, store.RecordAnomaly(ctx, anomaly))
	}

	var count int

	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verification_anomalies WHERE transaction_id = $1`,
		"txn-anomaly",
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
