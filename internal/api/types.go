// Package api provides HTTP API server implementation for the Casefile service.
package api

import (
	"time"

	"github.com/casefile-io/casefile/internal/verification"
)

type (
	// InitiateVerificationRequest represents the payload of POST /api/v1/verifications.
	// This is separate from the domain model (verification.Identity) to decouple
	// the API contract from internal domain types.
	InitiateVerificationRequest struct {
		CallerReferenceID string `json:"caller_reference_id"` //nolint: tagliatelle
		Consent           bool   `json:"consent"`
		Name              string `json:"name"`
		Address           string `json:"address"`
		FatherName        string `json:"father_name,omitempty"`       //nolint: tagliatelle
		DateOfBirth       string `json:"date_of_birth,omitempty"`     //nolint: tagliatelle
		CaseCategory      string `json:"case_category,omitempty"`     //nolint: tagliatelle
		PartyType         string `json:"party_type,omitempty"`        //nolint: tagliatelle
		JurisdictionType  string `json:"jurisdiction_type,omitempty"` //nolint: tagliatelle
	}

	// VerificationResponse represents a verification transaction resource,
	// returned by both POST /api/v1/verifications and
	// GET /api/v1/verifications/{transactionId}.
	VerificationResponse struct {
		TransactionID     string          `json:"transaction_id"`      //nolint: tagliatelle
		CallerReferenceID string          `json:"caller_reference_id"` //nolint: tagliatelle
		Status            string          `json:"status"`
		Report            *ReportResponse `json:"report,omitempty"`
		FailureReason     string          `json:"failure_reason,omitempty"` //nolint: tagliatelle
		CreatedAt         time.Time       `json:"created_at"`               //nolint: tagliatelle
		UpdatedAt         time.Time       `json:"updated_at"`               //nolint: tagliatelle
		FinalizedAt       *time.Time      `json:"finalized_at,omitempty"`   //nolint: tagliatelle
	}

	// ReportResponse carries the verification result for COMPLETED transactions.
	ReportResponse struct {
		CaseCount    int                         `json:"case_count"` //nolint: tagliatelle
		Cases        []CaseRecordResponse        `json:"cases"`
		Individuals  []MatchedIndividualResponse `json:"individuals"`
		ReportPDFURL string                      `json:"report_pdf_url,omitempty"` //nolint: tagliatelle
	}

	// CaseRecordResponse represents a single court case in the report.
	CaseRecordResponse struct {
		CaseNumber    string `json:"case_number"`    //nolint: tagliatelle
		CaseYear      string `json:"case_year"`      //nolint: tagliatelle
		CaseCategory  string `json:"case_category"`  //nolint: tagliatelle
		CaseStatus    string `json:"case_status"`    //nolint: tagliatelle
		CourtName     string `json:"court_name"`     //nolint: tagliatelle
		CNR           string `json:"cnr"`
		UnderActs     string `json:"under_acts"`      //nolint: tagliatelle
		UnderSections string `json:"under_sections"`  //nolint: tagliatelle
		NameMatchType string `json:"name_match_type"` //nolint: tagliatelle
		FilingDate    string `json:"filing_date"`     //nolint: tagliatelle
		DecisionDate  string `json:"decision_date"`   //nolint: tagliatelle
		DistrictName  string `json:"district_name"`   //nolint: tagliatelle
		StateName     string `json:"state_name"`      //nolint: tagliatelle
	}

	// MatchedIndividualResponse summarizes the provider's match analysis for
	// one individual found across the case list.
	MatchedIndividualResponse struct {
		Role      string `json:"role"`
		Severity  string `json:"severity"`
		MatchType string `json:"match_type"` //nolint: tagliatelle
		CourtType string `json:"court_type"` //nolint: tagliatelle
		District  string `json:"district"`
		State     string `json:"state"`
	}

	// CallbackAckResponse represents the response for POST /api/v1/callbacks/ccrv.
	// The provider only expects a 200 acknowledgement; the body exists for
	// observability (correlation_id, timestamp).
	CallbackAckResponse struct {
		Status        string `json:"status"`
		TransactionID string `json:"transaction_id,omitempty"` //nolint: tagliatelle
		CorrelationID string `json:"correlation_id"`           //nolint: tagliatelle
		Timestamp     string `json:"timestamp"`
	}
)

// Identity converts the request payload into the domain identity submitted to
// the provider.
func (req *InitiateVerificationRequest) Identity() verification.Identity {
	return verification.Identity{
		Name:             req.Name,
		Address:          req.Address,
		FatherName:       req.FatherName,
		DateOfBirth:      req.DateOfBirth,
		CaseCategory:     req.CaseCategory,
		PartyType:        req.PartyType,
		JurisdictionType: req.JurisdictionType,
	}
}

// newVerificationResponse maps a domain transaction onto the API resource.
func newVerificationResponse(txn *verification.Transaction) *VerificationResponse {
	resp := &VerificationResponse{
		TransactionID:     txn.TransactionID,
		CallerReferenceID: txn.CallerReferenceID,
		Status:            txn.Status.String(),
		FailureReason:     txn.FailureReason,
		CreatedAt:         txn.CreatedAt,
		UpdatedAt:         txn.UpdatedAt,
		FinalizedAt:       txn.FinalizedAt,
	}

	if txn.Report != nil {
		resp.Report = newReportResponse(txn.Report)
	}

	return resp
}

func newReportResponse(report *verification.Report) *ReportResponse {
	resp := &ReportResponse{
		CaseCount:    report.CaseCount,
		Cases:        make([]CaseRecordResponse, 0, len(report.Cases)),
		Individuals:  make([]MatchedIndividualResponse, 0, len(report.Individuals)),
		ReportPDFURL: report.ReportPDFURL,
	}

	for _, c := range report.Cases {
		resp.Cases = append(resp.Cases, CaseRecordResponse{
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

	for _, ind := range report.Individuals {
		resp.Individuals = append(resp.Individuals, MatchedIndividualResponse{
			Role:      ind.Role,
			Severity:  ind.Severity,
			MatchType: ind.MatchType,
			CourtType: ind.CourtType,
			District:  ind.District,
			State:     ind.State,
		})
	}

	return resp
}
