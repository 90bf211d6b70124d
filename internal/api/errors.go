// Package api provides the HTTP handlers of the relay daemon: event
// publication, kill-switch administration, dead-letter inspection and
// replay, audit chain verification, and health probes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	relayerr "github.com/hostwell/relay/internal/errors"
	"github.com/hostwell/relay/internal/middleware"
)

// Error codes specific to the HTTP boundary. Core codes (FORBIDDEN,
// IDEMPOTENCY_MISMATCH, ...) come from the relay error taxonomy; these cover
// conditions that only exist at the transport layer.
const (
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeInternal   = "INTERNAL"
)

// ErrorResponse is the wire shape of every API error:
// {"error": "CODE", "message": "description"}.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records the error
// code for the request log line.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	middleware.RecordErrorCode(r.Context(), code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode error response", "error", err)
	}
}

// writeJSON writes a successful JSON response.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// writeCoreError maps a relay core error onto an HTTP response. Client errors
// surface their own code and message; everything else becomes a 500 with the
// detail kept out of the body.
func writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	code := relayerr.CodeOf(err)
	switch code {
	case relayerr.CodeForbidden:
		WriteError(w, r, http.StatusForbidden, code, "operation is not permitted")
	case relayerr.CodeIdempotencyMismatch:
		WriteError(w, r, http.StatusConflict, code, "idempotency key reused with a different request body")
	case relayerr.CodeFeatureDisabled:
		WriteError(w, r, http.StatusConflict, code, "the feature is disabled for this tenant")
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
