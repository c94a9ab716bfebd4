// Package gateway provides provider wire types and their normalization into
// the Observation sum type consumed by the orchestrator.
package gateway

import (
	"fmt"

	"github.com/casefile-io/casefile/internal/verification"
)

type (
	// ObservationKind discriminates the normalized provider observation.
	ObservationKind string

	// Observation is the single normalized shape both delivery channels
	// produce: fetch-result responses and pushed callbacks are parsed into
	// an Observation before the orchestrator sees them, so exactly one code
	// path encodes the state machine.
	Observation struct {
		// Kind discriminates the variant. Report is non-nil only for
		// ObservationCompleted; Reason is set for the failure family.
		Kind ObservationKind

		// Code is the raw provider status code ("1004", "1006", ...), kept
		// for diagnostics and anomaly records.
		Code string

		// Report carries the case list for completed verifications.
		Report *verification.Report

		// Reason is the provider's human-readable message for non-success
		// observations.
		Reason string
	}

	// SubmitAck is the provider's acknowledgment of a search submission.
	SubmitAck struct {
		TransactionID string
		Status        verification.Status
	}

	// providerEnvelope is the provider's response/callback wrapper. The same
	// envelope shape is used by the fetch-result endpoint and by pushed
	// callbacks, which is what makes one normalization path possible.
	providerEnvelope struct {
		RequestID     string             `json:"request_id"`
		TransactionID string             `json:"transaction_id"`
		Status        int                `json:"status"`
		Data          *providerData      `json:"data,omitempty"`
		Error         *providerAPIError  `json:"error,omitempty"`
		Timestamp     int64              `json:"timestamp"`
		Path          string             `json:"path"`
	}

	providerData struct {
		Code          string        `json:"code"`
		Message       string        `json:"message"`
		TransactionID string        `json:"transaction_id"`
		CCRVStatus    string        `json:"ccrv_status"`
		CCRVData      *providerCCRV `json:"ccrv_data,omitempty"`
	}

	providerCCRV struct {
		CaseCount    int                   `json:"case_count"`
		Cases        []providerCase        `json:"cases"`
		Individuals  []providerIndividual  `json:"individuals"`
		ReportStatus *providerReportStatus `json:"report_status,omitempty"` //nolint:tagliatelle
		ReportPDFURL string                `json:"report_pdf_url"`          //nolint:tagliatelle
	}

	// providerReportStatus reports whether the provider finished generating
	// the case report. Callbacks can carry a completion code before the
	// report itself is ready.
	providerReportStatus struct {
		Result string `json:"result"`
	}

	providerCase struct {
		CaseNumber    string `json:"case_number"`    //nolint:tagliatelle
		CaseYear      string `json:"case_year"`      //nolint:tagliatelle
		CaseCategory  string `json:"case_category"`  //nolint:tagliatelle
		CaseStatus    string `json:"case_status"`    //nolint:tagliatelle
		CourtName     string `json:"court_name"`     //nolint:tagliatelle
		CNR           string `json:"cnr"`
		UnderActs     string `json:"under_acts"`     //nolint:tagliatelle
		UnderSections string `json:"under_sections"` //nolint:tagliatelle
		NameMatchType string `json:"name_match_type"` //nolint:tagliatelle
		FilingDate    string `json:"filing_date"`    //nolint:tagliatelle
		DecisionDate  string `json:"decision_date"`  //nolint:tagliatelle
		DistrictName  string `json:"district_name"`  //nolint:tagliatelle
		StateName     string `json:"state_name"`     //nolint:tagliatelle
	}

	providerIndividual struct {
		IndividualRole      string `json:"individual_role"`       //nolint:tagliatelle
		CriminalActSeverity string `json:"criminal_act_severity"` //nolint:tagliatelle
		MatchType           string `json:"match_type"`            //nolint:tagliatelle
		CourtType           string `json:"court_type"`            //nolint:tagliatelle
		District            string `json:"district"`
		State               string `json:"state"`
	}

	providerAPIError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
	}

	// submitRequest is the wire shape for the rapid search endpoint.
	submitRequest struct {
		Name             string `json:"name"`
		Address          string `json:"address"`
		FatherName       string `json:"father_name,omitempty"`       //nolint:tagliatelle
		DateOfBirth      string `json:"date_of_birth,omitempty"`     //nolint:tagliatelle
		CaseCategory     string `json:"case_category,omitempty"`     //nolint:tagliatelle
		Type             string `json:"type,omitempty"`
		JurisdictionType string `json:"jurisdiction_type,omitempty"` //nolint:tagliatelle
		Consent          string `json:"consent"`
	}
)

const (
	// ObservationInProgress means the provider's background search has not
	// concluded. Includes the initial REQUESTED acknowledgment.
	ObservationInProgress ObservationKind = "IN_PROGRESS"

	// ObservationCompleted means the search concluded successfully and the
	// report is attached.
	ObservationCompleted ObservationKind = "COMPLETED"

	// ObservationFailed means the search concluded without a result.
	ObservationFailed ObservationKind = "FAILED"

	// ObservationMinor means the provider refused to search an underage
	// subject.
	ObservationMinor ObservationKind = "MINOR"

	// ObservationRegionUnsupported means no court source covers the
	// subject's region.
	ObservationRegionUnsupported ObservationKind = "REGION_NOT_SUPPORTED"
)

// Status maps the observation onto the transaction lifecycle.
func (o Observation) Status() verification.Status {
	switch o.Kind {
	case ObservationCompleted:
		return verification.StatusCompleted
	case ObservationFailed:
		return verification.StatusFailed
	case ObservationMinor:
		return verification.StatusMinor
	case ObservationRegionUnsupported:
		return verification.StatusRegionNotSupported
	default:
		return verification.StatusInProgress
	}
}

// IsTerminal reports whether the observation concludes the verification.
func (o Observation) IsTerminal() bool {
	return o.Kind != ObservationInProgress
}

// normalize turns a provider envelope into an Observation.
//
// The ccrv_status field is authoritative when present; the numeric code map
// (overridable via .casefile.yaml, see CodeMap) is the fallback for callback
// payloads that omit it. Anything matching no known shape is rejected with
// ErrMalformedPayload so unknown codes become typed anomalies instead of
// silently-logged strings.
func normalize(env *providerEnvelope, codes *CodeMap) (Observation, error) {
	if env.Error != nil {
		return Observation{}, apiError(env.Error.Code, env.Error.Message)
	}

	if env.Data == nil {
		return Observation{}, fmt.Errorf("%w: envelope has neither data nor error", ErrMalformedPayload)
	}

	kind, ok := kindFromStatus(env.Data.CCRVStatus)
	if !ok {
		kind, ok = codes.Resolve(env.Data.Code)

		// A success code alone does not prove the report exists: the
		// provider sends code 1004 before report generation finishes.
		// Until report_status.result confirms SUCCESS the verification
		// is still in progress.
		if ok && kind == ObservationCompleted && !reportSucceeded(env.Data.CCRVData) {
			kind = ObservationInProgress
		}
	}

	if !ok {
		return Observation{}, fmt.Errorf("%w: unknown code %q status %q",
			ErrMalformedPayload, env.Data.Code, env.Data.CCRVStatus)
	}

	obs := Observation{
		Kind:   kind,
		Code:   env.Data.Code,
		Reason: env.Data.Message,
	}

	if kind == ObservationCompleted {
		obs.Report = toReport(env.Data.CCRVData)
	}

	return obs, nil
}

// reportSucceeded reports whether the provider marked report generation as
// finished.
func reportSucceeded(data *providerCCRV) bool {
	return data != nil && data.ReportStatus != nil && data.ReportStatus.Result == "SUCCESS"
}

// kindFromStatus maps the provider's ccrv_status enum onto ObservationKind.
func kindFromStatus(status string) (ObservationKind, bool) {
	switch status {
	case "REQUESTED", "IN_PROGRESS":
		return ObservationInProgress, true
	case "COMPLETED":
		return ObservationCompleted, true
	case "FAILED":
		return ObservationFailed, true
	case "MINOR":
		return ObservationMinor, true
	case "REGION_NOT_SUPPORTED":
		return ObservationRegionUnsupported, true
	default:
		return "", false
	}
}

// toReport maps provider case data onto the domain report. A completed
// observation without ccrv_data yields an empty (zero-case) report rather
// than a nil one, so `result` stays write-once and non-null on COMPLETED.
func toReport(data *providerCCRV) *verification.Report {
	if data == nil {
		return &verification.Report{Cases: []verification.CaseRecord{}}
	}

	report := &verification.Report{
		CaseCount:    data.CaseCount,
		Cases:        make([]verification.CaseRecord, 0, len(data.Cases)),
		Individuals:  make([]verification.MatchedIndividual, 0, len(data.Individuals)),
		ReportPDFURL: data.ReportPDFURL,
	}

	for _, c := range data.Cases {
		report.Cases = append(report.Cases, verification.CaseRecord{
			CaseNumber:    c.CaseNumber,
			CaseYear:      c.CaseYear,
			CaseCategory:  c.CaseCategory,
			CaseStatus:    c.CaseStatus,
			CourtName:     c.CourtName,
			CNR:           c.CNR,
			UnderActs:     c.UnderActs,
			UnderSections: c.UnderSections,
			NameMatchType: c.NameMatchType,
			FilingDate:    c.FilingDate,
			DecisionDate:  c.DecisionDate,
			DistrictName:  c.DistrictName,
			StateName:     c.StateName,
		})
	}

	for _, ind := range data.Individuals {
		report.Individuals = append(report.Individuals, verification.MatchedIndividual{
			Role:      ind.IndividualRole,
			Severity:  ind.CriminalActSeverity,
			MatchType: ind.MatchType,
			CourtType: ind.CourtType,
			District:  ind.District,
			State:     ind.State,
		})
	}

	return report
}
