package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	relayerr "github.com/hostwell/relay/internal/errors"
	"github.com/hostwell/relay/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayHeader marks responses served from the idempotency cache.
const ReplayHeader = "X-Idempotent-Replay"

// idempotencyResponseWriter captures the response so a completed command can
// be cached for replay.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// Idempotency enforces the idempotency contract on mutating requests:
//
//   - the Idempotency-Key header is required; absence is a hard 400;
//   - a completed duplicate replays the cached response verbatim with
//     X-Idempotent-Replay: true, and the handler does not run;
//   - a key reused with a different body is a 409;
//   - a duplicate whose original is still executing is a 409 the caller
//     should retry;
//   - a 2xx response is cached; any other outcome releases the claim so the
//     caller's retry re-executes the command.
//
// GET, HEAD, and OPTIONS pass through untouched.
func Idempotency(ledger *idempotency.Ledger, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			tenantID := GetTenantID(ctx)
			if tenantID == "" {
				writeError(w, r, http.StatusForbidden, relayerr.CodeForbidden,
					"tenant is required for idempotent commands")
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				writeError(w, r, http.StatusBadRequest, relayerr.CodeMissingIdempotencyKey,
					"Idempotency-Key header is required for this request")
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				writeError(w, r, http.StatusBadRequest, relayerr.CodeMissingIdempotencyKey,
					"Idempotency-Key is malformed or too long")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, relayerr.CodeMissingIdempotencyKey,
					"request body could not be read")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := idempotency.Fingerprint(body)

			result, err := ledger.Claim(ctx, tenantID, key, GetActorID(ctx), fingerprint)
			if err != nil {
				if relayerr.CodeOf(err) == relayerr.CodeIdempotencyMismatch {
					writeError(w, r, http.StatusConflict, relayerr.CodeIdempotencyMismatch,
						"Idempotency-Key was already used with a different request body")
					return
				}
				logger.ErrorContext(ctx, "idempotency claim failed",
					"tenant_id", tenantID, "error", err)
				writeError(w, r, http.StatusInternalServerError, relayerr.CodeStorageTimeout,
					"idempotency ledger unavailable")
				return
			}

			switch result.Outcome {
			case idempotency.OutcomeReplay:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(ReplayHeader, "true")
				status := result.CachedStatus
				if status == 0 {
					status = http.StatusOK
				}
				w.WriteHeader(status)
				_, _ = w.Write(result.CachedResponse)
				return

			case idempotency.OutcomeInProgress:
				writeError(w, r, http.StatusConflict, relayerr.CodeIdempotencyInProgress,
					"an identical request is still executing; retry shortly")
				return
			}

			rw := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 300 {
				if err := ledger.Complete(ctx, tenantID, key, rw.body.Bytes(), rw.statusCode); err != nil {
					logger.ErrorContext(ctx, "idempotency complete failed",
						"tenant_id", tenantID, "error", err)
				}
				return
			}
			if err := ledger.Release(ctx, tenantID, key); err != nil {
				logger.ErrorContext(ctx, "idempotency release failed",
					"tenant_id", tenantID, "error", err)
			}
		})
	}
}
