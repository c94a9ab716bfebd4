package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casefile-io/casefile/internal/verification"
)

// postCallback delivers a webhook body to the callback handler. The endpoint
// is public, so no caller context is attached.
func postCallback(h *testHarness, body []byte, headerTransactionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/ccrv", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	if headerTransactionID != "" {
		req.Header.Set("X-Transaction-ID", headerTransactionID)
	}

	rr := httptest.NewRecorder()
	h.server.handleIngestCallback(rr, req)

	return rr
}

// completedCallbackBody builds a provider webhook announcing a completed
// search with one case.
func completedCallbackBody(t *testing.T, transactionID string) []byte {
	t.Helper()

	body := map[string]any{
		"transactionId": transactionID,
		"payload": map[string]any{
			"transaction_id": transactionID,
			"status":         200,
			"data": map[string]any{
				"code":           "1004",
				"message":        "search concluded",
				"transaction_id": transactionID,
				"ccrv_status":    "COMPLETED",
				"ccrv_data": map[string]any{
					"case_count": 1,
					"cases": []map[string]any{
						{
							"case_number":   "CR/123/2020",
							"case_year":     "2020",
							"case_category": "CRIMINAL",
							"case_status":   "DISPOSED",
							"court_name":    "Bengaluru District Court",
						},
					},
					"individuals": []map[string]any{},
				},
			},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal callback body: %v", err)
	}

	return data
}

func failedCallbackBody(t *testing.T, transactionID string) []byte {
	t.Helper()

	body := map[string]any{
		"transactionId": transactionID,
		"payload": map[string]any{
			"transaction_id": transactionID,
			"status":         200,
			"data": map[string]any{
				"code":           "1006",
				"message":        "unable to verify",
				"transaction_id": transactionID,
				"ccrv_status":    "FAILED",
			},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal callback body: %v", err)
	}

	return data
}

func TestHandleIngestCallback_MalformedBody(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newTestHarness(t)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "not json", body: []byte("{garbage")},
		{name: "empty body", body: nil},
		{name: "no transaction id anywhere", body: []byte(`{"payload":{"data":{"code":"1004","ccrv_status":"COMPLETED"}}}`)},
		{name: "unknown code and status", body: []byte(`{"transactionId":"txn-x","payload":{"data":{"code":"9999","ccrv_status":"WAT"}}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postCallback(h, tt.body, "")

			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d. Body: %s", http.StatusBadRequest, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHandleIngestCallback_UnknownTransactionAcked(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newTestHarness(t)

	// Well-formed callback for a transaction the store has never seen: the
	// handler acks 200 and the orchestrator parks it for retry.
	rr := postCallback(h, completedCallbackBody(t, "txn-unknown"), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var ack CallbackAckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("Failed to parse ack: %v", err)
	}

	if ack.Status != "accepted" {
		t.Errorf("Expected ack status 'accepted', got %q", ack.Status)
	}

	if ack.TransactionID != "txn-unknown" {
		t.Errorf("Expected ack transaction id 'txn-unknown', got %q", ack.TransactionID)
	}
}

func TestHandleIngestCallback_AppliesTerminalResult(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newTestHarness(t)

	first := postInitiate(h, initiateBody(t, nil))
	if first.Code != http.StatusCreated {
		t.Fatalf("Failed to initiate: %d. Body: %s", first.Code, first.Body.String())
	}

	rr := postCallback(h, completedCallbackBody(t, "txn-0001"), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	txn, err := h.store.GetTransaction(context.Background(), "txn-0001")
	if err != nil {
		t.Fatalf("Failed to load transaction: %v", err)
	}

	if txn.Status != verification.StatusCompleted {
		t.Errorf("Expected status %q, got %q", verification.StatusCompleted, txn.Status)
	}

	if txn.Report == nil || txn.Report.CaseCount != 1 {
		t.Errorf("Expected report with one case, got %+v", txn.Report)
	}

	if txn.QuotaState != verification.QuotaCommitted {
		t.Errorf("Expected quota state %q, got %q", verification.QuotaCommitted, txn.QuotaState)
	}

	if commits := h.ledger.CommitCount(testCallerID); commits != 1 {
		t.Errorf("Expected 1 committed credit, got %d", commits)
	}

	if events := h.sink.Events(); len(events) != 1 {
		t.Errorf("Expected 1 notification event, got %d", len(events))
	}
}

func TestHandleIngestCallback_FailedResultReleasesQuota(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newTestHarness(t)

	first := postInitiate(h, initiateBody(t, nil))
	if first.Code != http.StatusCreated {
		t.Fatalf("Failed to initiate: %d. Body: %s", first.Code, first.Body.String())
	}

	rr := postCallback(h, failedCallbackBody(t, "txn-0001"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	txn, err := h.store.GetTransaction(context.Background(), "txn-0001")
	if err != nil {
		t.Fatalf("Failed to load transaction: %v", err)
	}

	if txn.Status != verification.StatusFailed {
		t.Errorf("Expected status %q, got %q", verification.StatusFailed, txn.Status)
	}

	if txn.FailureReason != "unable to verify" {
		t.Errorf("Expected failure reason 'unable to verify', got %q", txn.FailureReason)
	}

	if txn.QuotaState != verification.QuotaReleased {
		t.Errorf("Expected quota state %q, got %q", verification.QuotaReleased, txn.QuotaState)
	}

	// The credit went back: full balance, nothing used
	available, reserved, used, err := h.ledger.Balance(context.Background(), testCallerID)
	if err != nil {
		t.Fatalf("Failed to read ledger balance: %v", err)
	}

	if available != 100 || reserved != 0 || used != 0 {
		t.Errorf("Expected balance 100/0/0 after release, got %d/%d/%d", available, reserved, used)
	}
}

func TestHandleIngestCallback_HeaderTransactionIDFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newTestHarness(t)

	first := postInitiate(h, initiateBody(t, nil))
	if first.Code != http.StatusCreated {
		t.Fatalf("Failed to initiate: %d. Body: %s", first.Code, first.Body.String())
	}

	// Envelope omits every transaction id field; only the header carries it.
	body := []byte(`{"payload":{"status":200,"data":{"code":"1006","message":"unable to verify","ccrv_status":"FAILED"}}}`)

	rr := postCallback(h, body, "txn-0001")

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	txn, err := h.store.GetTransaction(context.Background(), "txn-0001")
	if err != nil {
		t.Fatalf("Failed to load transaction: %v", err)
	}

	if txn.Status != verification.StatusFailed {
		t.Errorf("Expected status %q, got %q", verification.StatusFailed, txn.Status)
	}
}

func TestHandleIngestCallback_TerminalDisagreementAbsorbed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newTestHarness(t)

	first := postInitiate(h, initiateBody(t, nil))
	if first.Code != http.StatusCreated {
		t.Fatalf("Failed to initiate: %d. Body: %s", first.Code, first.Body.String())
	}

	if rr := postCallback(h, completedCallbackBody(t, "txn-0001"), ""); rr.Code != http.StatusOK {
		t.Fatalf("Failed to apply completion: %d", rr.Code)
	}

	// A contradicting FAILED callback after COMPLETED is acked, absorbed, and
	// preserved as an anomaly. The stored verdict never changes.
	rr := postCallback(h, failedCallbackBody(t, "txn-0001"), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	txn, err := h.store.GetTransaction(context.Background(), "txn-0001")
	if err != nil {
		t.Fatalf("Failed to load transaction: %v", err)
	}

	if txn.Status != verification.StatusCompleted {
		t.Errorf("Expected verdict to stand at %q, got %q", verification.StatusCompleted, txn.Status)
	}

	anomalies := h.store.Anomalies()
	if len(anomalies) != 1 {
		t.Fatalf("Expected 1 anomaly, got %d", len(anomalies))
	}

	if anomalies[0].TransactionID != "txn-0001" {
		t.Errorf("Expected anomaly for txn-0001, got %q", anomalies[0].TransactionID)
	}
}

func TestHandleIngestCallback_DuplicateDeliveryIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newTestHarness(t)

	first := postInitiate(h, initiateBody(t, nil))
	if first.Code != http.StatusCreated {
		t.Fatalf("Failed to initiate: %d. Body: %s", first.Code, first.Body.String())
	}

	for i := 0; i < 3; i++ {
		if rr := postCallback(h, completedCallbackBody(t, "txn-0001"), ""); rr.Code != http.StatusOK {
			t.Fatalf("Delivery %d: expected status %d, got %d", i+1, http.StatusOK, rr.Code)
		}
	}

	// Exactly one commit and one notification despite three deliveries
	if commits := h.ledger.CommitCount(testCallerID); commits != 1 {
		t.Errorf("Expected 1 committed credit, got %d", commits)
	}

	if events := h.sink.Events(); len(events) != 1 {
		t.Errorf("Expected 1 notification event, got %d", len(events))
	}
}
