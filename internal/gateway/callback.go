// Package gateway provides callback payload parsing.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Callback is a normalized provider-pushed completion event: the transaction
// id plus the same Observation shape FetchResult produces, so the
// orchestrator has one normalization path regardless of channel.
type Callback struct {
	TransactionID string
	ReferenceID   string
	Observation   Observation
}

// callbackEnvelope is the webhook body the provider POSTs. The transaction id
// arrives both in headers and in the payload envelope; the payload wins when
// both are present (headers get mangled by some proxies).
type callbackEnvelope struct {
	TransactionID string           `json:"transactionId"`
	ReferenceID   string           `json:"referenceId,omitempty"`
	AuthType      string           `json:"authType,omitempty"`
	Payload       providerEnvelope `json:"payload"`
}

// ParseCallback normalizes a raw webhook body into a Callback.
//
// headerTransactionID is the X-Transaction-ID request header value, used as a
// fallback when the envelope omits the id. Returns ErrMalformedPayload for
// bodies that match no known shape; the webhook handler answers those with
// 4xx while everything parseable is acknowledged 200 to keep the provider
// from retry-storming.
func ParseCallback(body []byte, headerTransactionID string, codes *CodeMap) (Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	transactionID := env.TransactionID
	if transactionID == "" {
		transactionID = env.Payload.TransactionID
	}

	if transactionID == "" && env.Payload.Data != nil {
		transactionID = env.Payload.Data.TransactionID
	}

	if transactionID == "" {
		transactionID = headerTransactionID
	}

	if transactionID == "" {
		return Callback{}, fmt.Errorf("%w: callback carries no transaction id", ErrMalformedPayload)
	}

	obs, err := normalize(&env.Payload, codes)
	if err != nil {
		return Callback{}, fmt.Errorf("callback for %s: %w", transactionID, err)
	}

	return Callback{
		TransactionID: transactionID,
		ReferenceID:   env.ReferenceID,
		Observation:   obs,
	}, nil
}
