package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/casefile-io/casefile/internal/api/middleware"
	"github.com/casefile-io/casefile/internal/gateway"
)

// handleIngestCallback handles provider-pushed result callbacks.
// POST /api/v1/callbacks/ccrv - Ingest a CCRV provider completion webhook
//
// This endpoint is public (the provider holds no platform API keys); callback
// authenticity is established by the transaction id in the payload, which only
// the provider and the platform know.
//
// Everything parseable is acknowledged with 200 to keep the provider from
// retry-storming: callbacks for unknown transactions are parked internally and
// retried, stale or disagreeing callbacks are recorded as anomalies. Only
// bodies matching no known shape are refused.
//
// Response codes:
//   - 200 OK: Callback accepted (applied, parked, or absorbed)
//   - 400 Bad Request: Body matches no known callback shape
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
func (s *Server) handleIngestCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	// Request size check (fail fast for known oversized requests)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		))

		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.logger.Error("Failed to read callback body",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	callback, err := gateway.ParseCallback(body, r.Header.Get("X-Transaction-ID"), s.codes)
	if err != nil {
		s.logger.Warn("Rejected malformed callback",
			slog.String("correlation_id", correlationID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, BadRequest("Callback payload matches no known shape"))

		return
	}

	if err := s.orchestrator.IngestCallback(r.Context(), callback); err != nil {
		// The callback was parseable; an internal write failure must not make
		// the provider retry-storm. Log, acknowledge, and rely on polling to
		// reconcile the transaction.
		s.logger.Error("Failed to apply callback",
			slog.String("correlation_id", correlationID),
			slog.String("transaction_id", callback.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	ack := &CallbackAckResponse{
		Status:        "accepted",
		TransactionID: callback.TransactionID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	s.sendJSONResponse(w, r, http.StatusOK, ack)

	duration := time.Since(startTime)
	s.logger.Info("Callback ingested",
		slog.String("correlation_id", correlationID),
		slog.String("transaction_id", callback.TransactionID),
		slog.String("observed_status", callback.Observation.Status().String()),
		slog.Duration("duration", duration),
	)
}
