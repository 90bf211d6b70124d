package api

import (
	"log/slog"
	"net/http"

	"github.com/hostwell/relay/internal/audit"
	"github.com/hostwell/relay/internal/idempotency"
	"github.com/hostwell/relay/internal/killswitch"
	"github.com/hostwell/relay/internal/middleware"
	"github.com/hostwell/relay/internal/outbox"
)

// RouterConfig carries the dependencies of the HTTP surface.
type RouterConfig struct {
	Logger   *slog.Logger
	Ledger   *idempotency.Ledger
	Engine   *outbox.Engine
	Switches *killswitch.Registry
	AuditLog *audit.Log
	Health   HealthHandlersConfig
	// Metrics serves GET /metrics when set (promhttp.Handler in production).
	Metrics http.Handler
}

// NewRouter builds the full handler chain. Probes and metrics are open;
// everything else requires a tenant, and event publication additionally
// requires an idempotency key.
func NewRouter(cfg RouterConfig) http.Handler {
	healthHandlers := NewHealthHandlers(cfg.Health)
	eventHandlers := NewEventHandlers(cfg.Engine)
	switchHandlers := NewKillSwitchHandlers(cfg.Switches)
	dlqHandlers := NewDLQHandlers(cfg.Engine)
	auditHandlers := NewAuditHandlers(cfg.AuditLog)

	tenantOnly := func(h http.HandlerFunc) http.Handler {
		return middleware.Tenant(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	mux.Handle("/events", middleware.Tenant(
		middleware.Idempotency(cfg.Ledger, cfg.Logger)(http.HandlerFunc(eventHandlers.Publish))))

	mux.Handle("/admin/switches", tenantOnly(switchHandlers.Collection))
	mux.Handle("/admin/switches/", tenantOnly(switchHandlers.Item))
	mux.Handle("/admin/dlq", tenantOnly(dlqHandlers.List))
	mux.Handle("/admin/dlq/", tenantOnly(dlqHandlers.Replay))
	mux.Handle("/admin/audit/verify", tenantOnly(auditHandlers.Verify))
	mux.Handle("/admin/audit/reanchor", tenantOnly(auditHandlers.Reanchor))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	return middleware.RequestID(middleware.Logging(cfg.Logger)(mux))
}
