// Package gateway provides the typed HTTP client for the CCRV provider API.
package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider gateway operations. The orchestrator and the
// HTTP layer branch on these with errors.Is(); the raw provider response is
// preserved through wrapping for logs.
var (
	// ErrInvalidInput indicates the provider rejected the payload shape
	// (missing or malformed identity fields). Caller-fixable.
	ErrInvalidInput = errors.New("provider rejected input")

	// ErrProviderRejected indicates a non-retryable business rejection, such
	// as a malformed consent marker or a product configuration problem.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrProviderUnavailable indicates a transport failure or provider 5xx.
	// Transient: polling retries are safe, and initiation can be retried by
	// the caller because no transaction was created.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrTransactionNotFound indicates the provider has no record for the
	// transaction id (distinct from "still processing").
	ErrTransactionNotFound = errors.New("provider has no record of transaction")

	// ErrMalformedPayload indicates a callback or response body that does
	// not match any known provider shape. Recorded as an anomaly rather than
	// guessed at.
	ErrMalformedPayload = errors.New("malformed provider payload")
)

// apiError maps a provider error envelope to the gateway error taxonomy.
//
// Provider error codes (from the rapid API error contract):
//   - INVALID_INPUT → ErrInvalidInput
//   - TRANSACTION_NOT_FOUND → ErrTransactionNotFound
//   - PRODUCT_CONFIGURATION_REQUIRED, INVALID_TOKEN → ErrProviderRejected
//   - anything else → ErrProviderRejected (non-retryable by default)
func apiError(code, message string) error {
	switch code {
	case "INVALID_INPUT":
		return fmt.Errorf("%w: %s", ErrInvalidInput, message)
	case "TRANSACTION_NOT_FOUND":
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, message)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrProviderRejected, message, code)
	}
}

// IsRetryable reports whether an error is worth retrying. Only transport and
// provider-availability failures qualify; business rejections never do.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
