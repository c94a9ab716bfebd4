// Package gateway provides the typed HTTP client wrapping the CCRV provider's
// three endpoints: initiate-search, fetch-result, and the callback payload
// shape. Transport and HTTP errors are translated into the gateway error
// taxonomy; the client holds no state about transactions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/casefile-io/casefile/internal/verification"
)

const (
	headerAPIKey        = "X-API-Key"
	headerAuthType      = "X-Auth-Type"
	headerReferenceID   = "X-Reference-ID"
	headerTransactionID = "X-Transaction-ID"
	authTypeAPIKey      = "API-Key"

	// maxResponseSize bounds provider response bodies. A completed report
	// with a full case list stays well under this.
	maxResponseSize = 4 << 20 // 4 MB
)

type (
	// Client is the CCRV provider gateway. Side-effect-free on the provider
	// for FetchResult (query only - the provider does not meter result
	// fetches, which is what makes unlimited client polling safe).
	Client struct {
		httpClient *http.Client
		config     *Config
		codes      *CodeMap
		logger     *slog.Logger
	}

	// ClientOption configures optional Client behavior.
	ClientOption func(*Client)
)

// WithHTTPClient overrides the underlying HTTP client (used by tests to point
// the gateway at an httptest server transport).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a provider gateway client.
//
// Parameters:
//   - cfg: provider configuration (required, validated)
//   - codes: status-code map for callback normalization (nil uses built-ins)
//   - opts: optional configuration
func NewClient(cfg *Config, codes *CodeMap, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("provider config invalid: %w", err)
	}

	client := &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		config:     cfg,
		codes:      codes,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Submit sends the identity and consent fields to the provider's rapid search
// endpoint and returns the provider-issued transaction id.
//
// Constraints enforced here:
//   - consent must be an explicit affirmative marker (wired as "Y"; anything
//     else is never sent - the orchestrator rejects before calling Submit)
//   - name and address are mandatory, all other identity fields optional
//
// Failure mapping:
//   - 4xx with INVALID_INPUT → ErrInvalidInput
//   - other 4xx business rejections → ErrProviderRejected
//   - transport errors and 5xx → ErrProviderUnavailable
func (c *Client) Submit(ctx context.Context, identity verification.Identity) (SubmitAck, error) {
	body := submitRequest{
		Name:             identity.Name,
		Address:          identity.Address,
		FatherName:       identity.FatherName,
		DateOfBirth:      identity.DateOfBirth,
		CaseCategory:     identity.CaseCategory,
		Type:             identity.PartyType,
		JurisdictionType: identity.JurisdictionType,
		Consent:          "Y",
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return SubmitAck{}, fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+searchPath, bytes.NewReader(payload))
	if err != nil {
		return SubmitAck{}, fmt.Errorf("build submit request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAPIKey, c.config.apiKey)
	req.Header.Set(headerAuthType, authTypeAPIKey)
	req.Header.Set(headerReferenceID, newReferenceID())

	env, err := c.do(req)
	if err != nil {
		return SubmitAck{}, err
	}

	if env.Data == nil || env.Data.TransactionID == "" {
		return SubmitAck{}, fmt.Errorf("%w: submit ack missing transaction id", ErrMalformedPayload)
	}

	status := verification.Status(env.Data.CCRVStatus)
	if !status.IsValid() {
		status = verification.StatusRequested
	}

	c.logger.Info("provider search submitted",
		slog.String("transaction_id", env.Data.TransactionID),
		slog.String("provider_status", env.Data.CCRVStatus),
		slog.String("code", env.Data.Code),
	)

	return SubmitAck{TransactionID: env.Data.TransactionID, Status: status}, nil
}

// FetchResult queries the provider for the current state of a transaction.
// Query only: no provider-side quota is consumed, so callers may poll freely.
//
// Returns ErrTransactionNotFound when the provider has no record of the id
// (distinct from an in-progress observation).
func (c *Client) FetchResult(ctx context.Context, transactionID string) (Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+resultPath, nil)
	if err != nil {
		return Observation{}, fmt.Errorf("build fetch-result request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAPIKey, c.config.apiKey)
	req.Header.Set(headerAuthType, authTypeAPIKey)
	req.Header.Set(headerTransactionID, transactionID)

	env, err := c.do(req)
	if err != nil {
		return Observation{}, err
	}

	return normalize(env, c.codes)
}

// do executes a provider request and decodes the envelope, translating
// transport failures and HTTP status classes into the error taxonomy.
func (c *Client) do(req *http.Request) (*providerEnvelope, error) {
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are all transient from the
		// orchestrator's perspective: state is never mutated on this path.
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	var env providerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	c.logger.Debug("provider request completed",
		slog.String("path", req.URL.Path),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if env.Error != nil {
		return nil, apiError(env.Error.Code, env.Error.Message)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: provider returned %d", ErrProviderRejected, resp.StatusCode)
	}

	return &env, nil
}

// newReferenceID generates the per-request X-Reference-ID the provider
// requires for request tracing.
func newReferenceID() string {
	return "ref_" + uuid.NewString()
}
