package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hostwell/relay/internal/middleware"
	"github.com/hostwell/relay/internal/outbox"
)

// EventHandlers holds dependencies for event publication handlers.
type EventHandlers struct {
	engine *outbox.Engine
}

// NewEventHandlers creates a new EventHandlers instance.
func NewEventHandlers(engine *outbox.Engine) *EventHandlers {
	return &EventHandlers{engine: engine}
}

// publishRequest is the body of POST /events.
type publishRequest struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	OrderingKey string          `json:"ordering_key,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// publishResponse acknowledges an accepted event.
type publishResponse struct {
	EventID string `json:"event_id"`
}

// Publish handles POST /events.
// Enqueues an outbox event for asynchronous delivery. The route sits behind
// the idempotency middleware, so retried requests with the same key return
// the original acknowledgement instead of enqueueing twice.
func (h *EventHandlers) Publish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := middleware.GetTenantID(r.Context())

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	if req.Topic == "" {
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "topic is required")
		return
	}
	if len(req.Payload) == 0 {
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "payload is required")
		return
	}

	eventID, err := h.engine.Enqueue(r.Context(), tenantID, req.Topic, req.Payload, outbox.EnqueueOptions{
		OrderingKey: req.OrderingKey,
		DedupeHash:  outbox.DedupeHash(req.Topic, req.Payload),
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidEvent) {
			WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "failed to enqueue event",
			"error", err, "tenant_id", tenantID, "topic", req.Topic)
		writeCoreError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, publishResponse{EventID: eventID})
}
