// Package verification provides the criminal case record verification (CCRV)
// transaction domain model and orchestration.
//
// A verification transaction is created when the platform submits a search to
// the CCRV provider, and is advanced by two independent, unordered delivery
// channels: caller-initiated polling and provider-pushed callbacks. Both
// channels converge on the same stored record through status-guarded writes.
package verification

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// Status represents the lifecycle state of a verification transaction.
	// Terminal states (COMPLETED, FAILED, MINOR, REGION_NOT_SUPPORTED) are
	// absorbing: once reached, later observations cannot change them.
	Status string

	// QuotaState tracks whether the caller's verification credit has been
	// settled for a transaction. It exists to make quota consumption
	// idempotent across duplicate finalization signals.
	QuotaState string

	// UpdateSource records which delivery channel produced the most recent
	// transition. Diagnostic only; it never drives behavior.
	UpdateSource string

	// Identity carries the subject attributes submitted to the provider.
	// Name and Address are mandatory; everything else is optional.
	Identity struct {
		// Name is the subject's full name as it should be matched against
		// court records.
		Name string

		// Address is the subject's address, free-form. The provider uses it
		// to scope the jurisdiction search.
		Address string

		// FatherName narrows matches in jurisdictions where court records
		// key on parentage (optional).
		FatherName string

		// DateOfBirth in YYYY-MM-DD form (optional). The provider refuses to
		// search minors and reports MINOR instead.
		DateOfBirth string

		// CaseCategory restricts the search to CIVIL or CRIMINAL cases
		// (optional, provider default applies when empty).
		CaseCategory string

		// PartyType restricts matches to PETITIONER or RESPONDENT roles
		// (optional).
		PartyType string

		// JurisdictionType widens or narrows the court sweep:
		// STATE, DISTRICT, NEAREST_DISTRICTS, or PAN_INDIA (optional).
		JurisdictionType string
	}

	// CaseRecord is one court case returned by the provider, trimmed to the
	// fields the platform stores and surfaces.
	CaseRecord struct {
		CaseNumber    string
		CaseYear      string
		CaseCategory  string
		CaseStatus    string
		CourtName     string
		CNR           string
		UnderActs     string
		UnderSections string
		NameMatchType string
		FilingDate    string
		DecisionDate  string
		DistrictName  string
		StateName     string
	}

	// MatchedIndividual summarizes the provider's match analysis for one
	// individual found across the case list.
	MatchedIndividual struct {
		Role      string
		Severity  string
		MatchType string
		CourtType string
		District  string
		State     string
	}

	// Report is the verification result. Present only on COMPLETED
	// transactions and written exactly once, alongside the transition into
	// COMPLETED.
	Report struct {
		CaseCount    int
		Cases        []CaseRecord
		Individuals  []MatchedIndividual
		ReportPDFURL string
	}

	// Transaction is the central entity: one provider-issued verification
	// transaction with its reconciled state.
	Transaction struct {
		// TransactionID is the provider-issued id, globally unique,
		// immutable once assigned. Primary key.
		TransactionID string

		// CallerID identifies the authenticated platform caller that owns
		// this transaction. Quota is ledgered per caller.
		CallerID string

		// CallerReferenceID is the platform-issued correlation id, set at
		// initiation, immutable. At most one active (non-terminal)
		// transaction may exist per reference.
		CallerReferenceID string

		// SubjectFingerprint is a normalized digest of the identity fields,
		// kept for audit and search. Not unique across time.
		SubjectFingerprint string

		// Status is the current lifecycle state. Moves forward only.
		Status Status

		// Report is non-nil only when Status is StatusCompleted.
		Report *Report

		// FailureReason carries the provider's message for non-success
		// terminal states (optional).
		FailureReason string

		// QuotaState tracks credit settlement for this transaction.
		QuotaState QuotaState

		// LastUpdateSource records the channel behind the latest transition.
		LastUpdateSource UpdateSource

		CreatedAt   time.Time
		UpdatedAt   time.Time
		FinalizedAt *time.Time
	}

	// Anomaly records an observation that could not be applied: a callback
	// for an unknown transaction that exhausted its retries, a terminal
	// disagreement, or a payload the gateway could not normalize. Anomalies
	// are kept for manual review and replay, never silently dropped.
	Anomaly struct {
		ID            string
		TransactionID string
		Source        UpdateSource
		Reason        string
		Payload       string
		ObservedAt    time.Time
	}
)

const (
	// StatusRequested is the initial state, set when the provider
	// acknowledges the search submission.
	StatusRequested Status = "REQUESTED"

	// StatusInProgress indicates the provider's background search is running.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted is the terminal success state. The report is written
	// alongside this transition and never afterward.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is the terminal state for provider-side search failure.
	StatusFailed Status = "FAILED"

	// StatusMinor is the terminal state when the subject is underage and the
	// provider refuses to search.
	StatusMinor Status = "MINOR"

	// StatusRegionNotSupported is the terminal state when no court source
	// covers the subject's region.
	StatusRegionNotSupported Status = "REGION_NOT_SUPPORTED"
)

const (
	// QuotaUncommitted means the caller's reservation is still outstanding.
	QuotaUncommitted QuotaState = "UNCOMMITTED"

	// QuotaCommitted means the caller's credit was debited. Happens at most
	// once per transaction, on the first COMPLETED observation.
	QuotaCommitted QuotaState = "COMMITTED"

	// QuotaReleased means the reservation was returned to the caller:
	// either the provider submission failed or the verification ended in a
	// non-success terminal state.
	QuotaReleased QuotaState = "RELEASED"
)

const (
	// SourcePoll marks transitions produced by caller-initiated polling.
	SourcePoll UpdateSource = "POLL"

	// SourceCallback marks transitions produced by provider-pushed callbacks.
	SourceCallback UpdateSource = "CALLBACK"
)

// Identity validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrNameRequired indicates the subject name is missing.
	ErrNameRequired = errors.New("name is required")

	// ErrAddressRequired indicates the subject address is missing.
	ErrAddressRequired = errors.New("address is required")

	// ErrConsentRequired indicates the caller did not supply an explicit
	// affirmative consent marker.
	ErrConsentRequired = errors.New("explicit affirmative consent is required")

	// ErrCallerReferenceRequired indicates the caller reference id is missing.
	ErrCallerReferenceRequired = errors.New("caller reference id is required")
)

// ValidStatuses returns all valid transaction statuses.
func ValidStatuses() []Status {
	return []Status{
		StatusRequested,
		StatusInProgress,
		StatusCompleted,
		StatusFailed,
		StatusMinor,
		StatusRegionNotSupported,
	}
}

// IsValid checks if the Status is a known lifecycle state.
func (s Status) IsValid() bool {
	for _, valid := range ValidStatuses() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the status is absorbing. Terminal transactions
// answer polls from the store without contacting the provider, and discard
// disagreeing observations as anomalies.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusMinor, StatusRegionNotSupported:
		return true
	default:
		return false
	}
}

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// Validate performs domain validation on the identity fields.
//
// Validation rules:
//   - name: required
//   - address: required
//
// All other fields are optional and passed to the provider as-is.
func (i *Identity) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return ErrNameRequired
	}

	if strings.TrimSpace(i.Address) == "" {
		return ErrAddressRequired
	}

	return nil
}

// IsActive reports whether the transaction still awaits a terminal
// observation from either channel.
func (t *Transaction) IsActive() bool {
	return !t.Status.IsTerminal()
}

// String renders a compact diagnostic summary, safe for logs (no identity
// fields, only the fingerprint).
func (t *Transaction) String() string {
	return fmt.Sprintf("verification %s [%s quota=%s ref=%s]",
		t.TransactionID, t.Status, t.QuotaState, t.CallerReferenceID)
}
