package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hostwell/relay/internal/audit"
	relayerr "github.com/hostwell/relay/internal/errors"
	"github.com/hostwell/relay/internal/middleware"
)

// AuditHandlers holds dependencies for audit chain admin handlers.
type AuditHandlers struct {
	log *audit.Log
}

// NewAuditHandlers creates a new AuditHandlers instance.
func NewAuditHandlers(log *audit.Log) *AuditHandlers {
	return &AuditHandlers{log: log}
}

// Verify handles GET /admin/audit/verify.
// Walks the tenant's hash chain and reports the first break, if any. The
// optional from_id and to_id query parameters bound the walk to a subrange.
func (h *AuditHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := middleware.GetTenantID(r.Context())
	fromID := r.URL.Query().Get("from_id")
	toID := r.URL.Query().Get("to_id")

	result, err := h.log.Verify(r.Context(), tenantID, fromID, toID)
	if err != nil {
		if errors.Is(err, audit.ErrRecordNotFound) {
			WriteError(w, r, http.StatusNotFound, ErrCodeNotFound, "Audit record not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to verify audit chain", "error", err, "tenant_id", tenantID)
		writeCoreError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// reanchorRequest is the body of POST /admin/audit/reanchor.
type reanchorRequest struct {
	Reason string `json:"reason"`
}

// reanchorResponse acknowledges a new chain anchor.
type reanchorResponse struct {
	RecordID string `json:"record_id"`
}

// Reanchor handles POST /admin/audit/reanchor.
// Starts a fresh chain segment after an acknowledged break. The reason is
// mandatory; the anchor record itself lands in the audit log.
func (h *AuditHandlers) Reanchor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := middleware.GetTenantID(r.Context())
	actorID := middleware.GetActorID(r.Context())

	var req reanchorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	recordID, err := h.log.Reanchor(r.Context(), tenantID, actorID, req.Reason)
	if err != nil {
		if relayerr.IsClient(err) {
			WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "reason is required")
			return
		}
		slog.ErrorContext(r.Context(), "failed to reanchor audit chain", "error", err, "tenant_id", tenantID)
		writeCoreError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, reanchorResponse{RecordID: recordID})
}
