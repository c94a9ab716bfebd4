// Package verification provides the CCRV transaction lifecycle state machine.
// Handles status transitions across two unordered delivery channels.
//
// Usage:
//
//	Both the polling path and the callback path validate a proposed
//	transition here BEFORE attempting the status-guarded store write. The
//	store rejects lost races; this layer rejects transitions that are wrong
//	regardless of timing.
//
// Architecture:
//   - Application layer (lifecycle.go): validates single transitions and
//     classifies disagreements as anomalies
//   - Storage layer: enforces the same forward-only rule via conditional
//     writes keyed on the expected current status
//
// Why both layers?
//   - Application: produces channel-friendly outcomes (discard vs anomaly)
//   - Storage: guarantees integrity under concurrent writers
package verification

import (
	"errors"
	"fmt"
)

// Sentinel errors for state transition validation.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidTransition indicates a transition outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminalStateImmutable indicates an attempt to move a transaction
	// out of an absorbing terminal state.
	ErrTerminalStateImmutable = errors.New("terminal status is immutable")

	// ErrUnknownStatus indicates a status outside the known lifecycle.
	ErrUnknownStatus = errors.New("unknown status")
)

// ValidateStatusTransition validates a proposed transition of the
// verification lifecycle.
//
// Valid transitions:
//   - REQUESTED → {REQUESTED, IN_PROGRESS, COMPLETED, FAILED, MINOR, REGION_NOT_SUPPORTED}
//   - IN_PROGRESS → {IN_PROGRESS, COMPLETED, FAILED, MINOR, REGION_NOT_SUPPORTED}
//   - terminal → same terminal (idempotent redelivery)
//
// Invalid transitions:
//   - terminal → anything else (first terminal observation wins)
//   - IN_PROGRESS → REQUESTED (cannot go backwards)
//
// Self-transitions on non-terminal states are allowed because both channels
// may legitimately re-observe the current state (a poll while the provider is
// still searching, a submit ack replay).
func ValidateStatusTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}

	// Terminal states only transition to themselves (idempotent redelivery).
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s (first terminal observation wins)", ErrTerminalStateImmutable, from, to)
		}

		return nil
	}

	// IN_PROGRESS cannot go back to REQUESTED.
	if from == StatusInProgress && to == StatusRequested {
		return fmt.Errorf("%w: IN_PROGRESS → REQUESTED", ErrInvalidTransition)
	}

	// Everything else forward of a non-terminal state is legal:
	// self-transition, progress, or any terminal.
	return nil
}

// IsNoOpTransition reports whether applying the observation would leave the
// record unchanged. No-op transitions skip the store write entirely so
// repeated polls of an unmoved transaction cost one provider call and zero
// writes.
func IsNoOpTransition(from, to Status) bool {
	return from == to
}
