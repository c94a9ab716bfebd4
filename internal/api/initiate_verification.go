package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/casefile-io/casefile/internal/api/middleware"
	"github.com/casefile-io/casefile/internal/gateway"
	"github.com/casefile-io/casefile/internal/orchestration"
	"github.com/casefile-io/casefile/internal/verification"
)

// handleInitiateVerification handles verification initiation.
// POST /api/v1/verifications - Submit a criminal case record search for a subject
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body or invalid JSON
//   - 422 Unprocessable Entity: Missing consent, name, address, or caller reference
//   - 403 Forbidden: Caller verification quota exhausted
//   - 409 Conflict: An active verification already exists for the caller reference
//   - 503 Service Unavailable: Provider unreachable or timing out
//
// Success response:
//   - 201 Created: Transaction accepted by the provider and persisted. A
//     retried initiation that resolves to an already-stored transaction
//     answers 201 with the stored record.
func (s *Server) handleInitiateVerification(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	callerCtx, authenticated := middleware.GetCallerContext(r.Context())
	if !authenticated {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusUnauthorized, "Unauthorized", "Caller identity missing from request context",
		))

		return
	}

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	req, problem := s.parseInitiateRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	txn, err := s.orchestrator.Initiate(r.Context(), callerCtx.CallerID, req.CallerReferenceID, req.Identity(), req.Consent)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, initiateProblem(err))

		return
	}

	s.sendJSONResponse(w, r, http.StatusCreated, newVerificationResponse(txn))

	duration := time.Since(startTime)
	s.logger.Info("Verification initiated",
		slog.String("correlation_id", correlationID),
		slog.String("transaction_id", txn.TransactionID),
		slog.String("caller_id", txn.CallerID),
		slog.String("caller_reference_id", txn.CallerReferenceID),
		slog.String("status", txn.Status.String()),
		slog.Duration("duration", duration),
	)
}

// parseInitiateRequest parses and validates the HTTP request body.
// Returns the parsed request or a ProblemDetail if parsing fails.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//
// Domain validation (consent, name, address, reference) is delegated to the
// orchestrator: the domain owns its invariants.
func (s *Server) parseInitiateRequest(r *http.Request) (*InitiateVerificationRequest, *ProblemDetail) {
	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught later)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var req InitiateVerificationRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	return &req, nil
}

// initiateProblem maps orchestration errors onto RFC 7807 problems.
func initiateProblem(err error) *ProblemDetail {
	switch {
	case errors.Is(err, verification.ErrConsentRequired),
		errors.Is(err, verification.ErrCallerReferenceRequired),
		errors.Is(err, verification.ErrNameRequired),
		errors.Is(err, verification.ErrAddressRequired):
		return UnprocessableEntity(err.Error())
	case errors.Is(err, orchestration.ErrQuotaExhausted):
		return Forbidden("Verification quota exhausted")
	case errors.Is(err, verification.ErrDuplicateReference):
		return Conflict("An active verification already exists for this caller reference")
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return ServiceUnavailable("Verification provider is unavailable, retry later")
	case errors.Is(err, gateway.ErrProviderRejected), errors.Is(err, gateway.ErrInvalidInput):
		return UnprocessableEntity("Verification provider rejected the request: " + err.Error())
	default:
		return InternalServerError("Failed to initiate verification")
	}
}

// sendJSONResponse marshals and sends a JSON response to the client.
// Marshals before writing headers so encoding failures can still produce a 500.
func (s *Server) sendJSONResponse(w http.ResponseWriter, r *http.Request, statusCode int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
