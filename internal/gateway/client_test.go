package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casefile-io/casefile/internal/verification"
)

// newTestClient points a gateway client at an httptest server.
func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	t.Setenv("CASEFILE_PROVIDER_BASE_URL", baseURL)
	t.Setenv("CASEFILE_PROVIDER_API_KEY", "test-provider-key")

	codes, err := LoadCodeMap("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("LoadCodeMap() unexpected error: %v", err)
	}

	client, err := NewClient(LoadConfig(), codes,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}

	return client
}

func TestClientSubmit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	identity := verification.Identity{
		Name:        "Ramesh Kumar",
		Address:     "12 MG Road, Bengaluru, Karnataka",
		FatherName:  "Suresh Kumar",
		DateOfBirth: "1990-04-15",
	}

	t.Run("successful submission", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != searchPath {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}

			if got := r.Header.Get(headerAPIKey); got != "test-provider-key" {
				t.Errorf("X-API-Key = %q, want test-provider-key", got)
			}

			if got := r.Header.Get(headerAuthType); got != authTypeAPIKey {
				t.Errorf("X-Auth-Type = %q, want %q", got, authTypeAPIKey)
			}

			if r.Header.Get(headerReferenceID) == "" {
				t.Error("X-Reference-ID header missing")
			}

			var req submitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("failed to decode submit request: %v", err)
			}

			if req.Consent != "Y" {
				t.Errorf("consent = %q, want explicit Y", req.Consent)
			}

			if req.Name != identity.Name || req.Address != identity.Address {
				t.Errorf("identity fields not forwarded: %+v", req)
			}

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"request_id": "req-1",
				"data": {"code": "1016", "transaction_id": "txn-123", "ccrv_status": "REQUESTED"}
			}`))
		}))
		defer server.Close()

		ack, err := newTestClient(t, server.URL).Submit(ctx, identity)
		if err != nil {
			t.Fatalf("Submit() unexpected error: %v", err)
		}

		if ack.TransactionID != "txn-123" {
			t.Errorf("Submit() transaction id = %q, want txn-123", ack.TransactionID)
		}

		if ack.Status != verification.StatusRequested {
			t.Errorf("Submit() status = %q, want REQUESTED", ack.Status)
		}
	})

	t.Run("ack without transaction id is malformed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data": {"code": "1016"}}`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Submit(ctx, identity)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Submit() error = %v, want ErrMalformedPayload", err)
		}
	})

	t.Run("invalid input rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": {"code": "INVALID_INPUT", "message": "address is malformed"}}`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Submit(ctx, identity)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Submit() error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("provider 5xx is unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Submit(ctx, identity)
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Errorf("Submit() error = %v, want ErrProviderUnavailable", err)
		}
	})

	t.Run("connection failure is unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
		client := newTestClient(t, server.URL)
		server.Close()

		_, err := client.Submit(ctx, identity)
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Errorf("Submit() error = %v, want ErrProviderUnavailable", err)
		}
	})
}

func TestClientFetchResult(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("completed result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.URL.Path != resultPath {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}

			if got := r.Header.Get(headerTransactionID); got != "txn-123" {
				t.Errorf("X-Transaction-ID = %q, want txn-123", got)
			}

			_, _ = w.Write([]byte(`{
				"data": {
					"code": "1004",
					"transaction_id": "txn-123",
					"ccrv_status": "COMPLETED",
					"ccrv_data": {
						"case_count": 1,
						"cases": [{"case_number": "CR/123/2020", "state_name": "Karnataka"}]
					}
				}
			}`))
		}))
		defer server.Close()

		obs, err := newTestClient(t, server.URL).FetchResult(ctx, "txn-123")
		if err != nil {
			t.Fatalf("FetchResult() unexpected error: %v", err)
		}

		if obs.Kind != ObservationCompleted {
			t.Errorf("FetchResult() kind = %q, want COMPLETED", obs.Kind)
		}

		if obs.Report == nil || len(obs.Report.Cases) != 1 {
			t.Fatalf("FetchResult() report = %+v, want one case", obs.Report)
		}

		if obs.Report.Cases[0].CaseNumber != "CR/123/2020" {
			t.Errorf("FetchResult() case number = %q", obs.Report.Cases[0].CaseNumber)
		}
	})

	t.Run("in-progress result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data": {"code": "1019", "ccrv_status": "IN_PROGRESS"}}`))
		}))
		defer server.Close()

		obs, err := newTestClient(t, server.URL).FetchResult(ctx, "txn-123")
		if err != nil {
			t.Fatalf("FetchResult() unexpected error: %v", err)
		}

		if obs.Kind != ObservationInProgress {
			t.Errorf("FetchResult() kind = %q, want IN_PROGRESS", obs.Kind)
		}

		if obs.IsTerminal() {
			t.Error("FetchResult() in-progress observation reported terminal")
		}
	})

	t.Run("unknown transaction", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"code": "TRANSACTION_NOT_FOUND", "message": "no record"}}`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).FetchResult(ctx, "txn-unknown")
		if !errors.Is(err, ErrTransactionNotFound) {
			t.Errorf("FetchResult() error = %v, want ErrTransactionNotFound", err)
		}
	})

	t.Run("undecodable body is malformed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>gateway timeout</html>"))
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).FetchResult(ctx, "txn-123")
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("FetchResult() error = %v, want ErrMalformedPayload", err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if !IsRetryable(ErrProviderUnavailable) {
		t.Error("IsRetryable(ErrProviderUnavailable) = false, want true")
	}

	for _, err := range []error{ErrInvalidInput, ErrProviderRejected, ErrTransactionNotFound, ErrMalformedPayload} {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", err)
		}
	}
}
