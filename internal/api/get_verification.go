package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/casefile-io/casefile/internal/api/middleware"
	"github.com/casefile-io/casefile/internal/verification"
)

// handleGetVerification handles verification polling.
// GET /api/v1/verifications/{transactionId} - Fetch the current verification state
//
// Polling a non-terminal transaction consults the provider and reconciles the
// stored record; polling a terminal transaction answers from the store without
// contacting the provider. A transient provider failure degrades to the last
// stored state rather than an error.
//
// Response codes:
//   - 200 OK: Current transaction state
//   - 404 Not Found: Unknown transaction id
func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	transactionID := r.PathValue("transactionId")
	if transactionID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Transaction id is required"))

		return
	}

	txn, err := s.orchestrator.Poll(r.Context(), transactionID)
	if err != nil {
		if errors.Is(err, verification.ErrTransactionNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No verification found for transaction id "+transactionID))

			return
		}

		s.logger.Error("Verification poll failed",
			slog.String("correlation_id", correlationID),
			slog.String("transaction_id", transactionID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to poll verification"))

		return
	}

	s.sendJSONResponse(w, r, http.StatusOK, newVerificationResponse(txn))

	duration := time.Since(startTime)
	s.logger.Info("Verification polled",
		slog.String("correlation_id", correlationID),
		slog.String("transaction_id", txn.TransactionID),
		slog.String("status", txn.Status.String()),
		slog.Duration("duration", duration),
	)
}
