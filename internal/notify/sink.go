// Package notify provides the finalized-verification notification sink.
//
// The orchestrator publishes one event when a transaction first reaches a
// terminal state. Publishing is fire-and-forget from the orchestrator's point
// of view: a sink failure is logged and never rolls back the transaction
// state. Downstream consumers (caller webhooks, email, SMS) read the events
// from the sink with at-least-once delivery.
package notify

import (
	"context"
	"time"

	"github.com/casefile-io/casefile/internal/verification"
)

type (
	// Event is the verification finalized notification.
	Event struct {
		// EventID uniquely identifies this notification for consumer-side
		// deduplication under at-least-once delivery.
		EventID string `json:"event_id"` //nolint:tagliatelle

		// TransactionID is the provider-issued verification transaction id.
		TransactionID string `json:"transaction_id"` //nolint:tagliatelle

		// CallerID identifies the platform caller that owns the transaction.
		CallerID string `json:"caller_id"` //nolint:tagliatelle

		// CallerReferenceID correlates back to the caller's request.
		CallerReferenceID string `json:"caller_reference_id"` //nolint:tagliatelle

		// Status is the terminal status the transaction reached.
		Status verification.Status `json:"status"`

		// CaseCount is the number of cases found (COMPLETED only).
		CaseCount int `json:"case_count"` //nolint:tagliatelle

		// FinalizedAt is when the terminal transition landed.
		FinalizedAt time.Time `json:"finalized_at"` //nolint:tagliatelle
	}

	// Sink receives finalized-verification events.
	Sink interface {
		// Publish delivers one event. Implementations may retry internally;
		// the orchestrator treats any returned error as log-only.
		Publish(ctx context.Context, event Event) error
	}
)
