package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hostwell/relay/internal/killswitch"
	"github.com/hostwell/relay/internal/middleware"
)

// KillSwitchHandlers holds dependencies for kill-switch admin handlers.
type KillSwitchHandlers struct {
	registry *killswitch.Registry
}

// NewKillSwitchHandlers creates a new KillSwitchHandlers instance.
func NewKillSwitchHandlers(registry *killswitch.Registry) *KillSwitchHandlers {
	return &KillSwitchHandlers{registry: registry}
}

// switchResponse is the wire shape of a kill switch.
type switchResponse struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSwitchResponse(s *killswitch.Switch) switchResponse {
	return switchResponse{
		Key:       s.Key,
		Enabled:   s.Enabled,
		Reason:    s.Reason,
		UpdatedBy: s.UpdatedBy,
		UpdatedAt: s.UpdatedAt,
	}
}

// setSwitchRequest is the body of PUT /admin/switches/{key}.
type setSwitchRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

// Collection handles GET /admin/switches.
// Lists every switch with an explicit record for the tenant. Keys that were
// never set do not appear; absence means enabled.
func (h *KillSwitchHandlers) Collection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := middleware.GetTenantID(r.Context())
	switches, err := h.registry.List(r.Context(), tenantID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list kill switches", "error", err, "tenant_id", tenantID)
		writeCoreError(w, r, err)
		return
	}

	out := make([]switchResponse, 0, len(switches))
	for _, s := range switches {
		out = append(out, toSwitchResponse(s))
	}
	writeJSON(w, r, http.StatusOK, out)
}

// Item handles GET and PUT on /admin/switches/{key}.
func (h *KillSwitchHandlers) Item(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/admin/switches/")
	if key == "" || strings.Contains(key, "/") {
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Switch key is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, key)
	case http.MethodPut:
		h.set(w, r, key)
	default:
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	}
}

func (h *KillSwitchHandlers) get(w http.ResponseWriter, r *http.Request, key string) {
	tenantID := middleware.GetTenantID(r.Context())
	s, err := h.registry.Get(r.Context(), tenantID, key)
	if err != nil {
		if errors.Is(err, killswitch.ErrSwitchNotFound) {
			// Never set: the switch is implicitly enabled.
			writeJSON(w, r, http.StatusOK, switchResponse{Key: key, Enabled: true})
			return
		}
		slog.ErrorContext(r.Context(), "failed to get kill switch",
			"error", err, "tenant_id", tenantID, "switch_key", key)
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toSwitchResponse(s))
}

func (h *KillSwitchHandlers) set(w http.ResponseWriter, r *http.Request, key string) {
	tenantID := middleware.GetTenantID(r.Context())
	actorID := middleware.GetActorID(r.Context())

	var req setSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	if err := h.registry.Set(r.Context(), tenantID, key, req.Enabled, req.Reason, actorID); err != nil {
		if errors.Is(err, killswitch.ErrInvalidKey) {
			WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "failed to set kill switch",
			"error", err, "tenant_id", tenantID, "switch_key", key)
		writeCoreError(w, r, err)
		return
	}

	s, err := h.registry.Get(r.Context(), tenantID, key)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to read back kill switch",
			"error", err, "tenant_id", tenantID, "switch_key", key)
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toSwitchResponse(s))
}
