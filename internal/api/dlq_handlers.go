package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hostwell/relay/internal/middleware"
	"github.com/hostwell/relay/internal/outbox"
)

// DLQHandlers holds dependencies for dead-letter queue admin handlers.
type DLQHandlers struct {
	engine *outbox.Engine
}

// NewDLQHandlers creates a new DLQHandlers instance.
func NewDLQHandlers(engine *outbox.Engine) *DLQHandlers {
	return &DLQHandlers{engine: engine}
}

// dlqEntryResponse is the wire shape of a dead-lettered event.
type dlqEntryResponse struct {
	DLQID          string          `json:"dlq_id"`
	EventID        string          `json:"event_id"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	OrderingKey    string          `json:"ordering_key,omitempty"`
	Attempts       int             `json:"attempts"`
	FinalError     string          `json:"final_error"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

func toDLQEntryResponse(e *outbox.DLQEntry) dlqEntryResponse {
	return dlqEntryResponse{
		DLQID:          e.DLQID,
		EventID:        e.Event.EventID,
		Topic:          e.Event.Topic,
		Payload:        json.RawMessage(e.Event.Payload),
		OrderingKey:    e.Event.OrderingKey,
		Attempts:       e.Event.Attempts,
		FinalError:     e.FinalError,
		DeadLetteredAt: e.DeadLetteredAt,
	}
}

// List handles GET /admin/dlq.
// Returns dead-lettered events for the tenant, newest first. The optional
// limit query parameter caps the page size.
func (h *DLQHandlers) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := middleware.GetTenantID(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.engine.ListDLQ(r.Context(), tenantID, limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list DLQ", "error", err, "tenant_id", tenantID)
		writeCoreError(w, r, err)
		return
	}

	out := make([]dlqEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDLQEntryResponse(e))
	}
	writeJSON(w, r, http.StatusOK, out)
}

// replayResponse acknowledges a replayed dead letter.
type replayResponse struct {
	EventID string `json:"event_id"`
}

// Replay handles POST /admin/dlq/{id}/replay.
// Enqueues a fresh copy of the dead-lettered event with a zeroed attempt
// counter. The original DLQ entry is retained for the record.
func (h *DLQHandlers) Replay(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/admin/dlq/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] != "replay" {
		WriteError(w, r, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
		return
	}
	if r.Method != http.MethodPost {
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	dlqID := pathParts[0]

	tenantID := middleware.GetTenantID(r.Context())
	eventID, err := h.engine.ReplayDLQ(r.Context(), tenantID, dlqID)
	if err != nil {
		if errors.Is(err, outbox.ErrDLQEntryNotFound) {
			WriteError(w, r, http.StatusNotFound, ErrCodeNotFound, "Dead-letter entry not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to replay dead letter",
			"error", err, "tenant_id", tenantID, "dlq_id", dlqID)
		writeCoreError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, replayResponse{EventID: eventID})
}
