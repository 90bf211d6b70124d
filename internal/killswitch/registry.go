package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hostwell/relay/internal/audit"
	"github.com/hostwell/relay/internal/clock"
	relayerr "github.com/hostwell/relay/internal/errors"
)

// SetAction is the audit action recorded for every gate write.
const SetAction = "killswitch.set"

// Registry resolves gate decisions. Reads go through the cache; writes go to
// the store, append an audit record, and invalidate the local entry so the
// writer observes its own change immediately.
type Registry struct {
	store  Store
	cache  Cache
	audit  *audit.Log
	clock  clock.Clock
	logger *slog.Logger
}

// NewRegistry creates a Registry. A nil cache gets a LocalCache with the
// default TTL; audit may be nil only in tests that do not exercise Set.
func NewRegistry(store Store, cache Cache, auditLog *audit.Log, clk clock.Clock, logger *slog.Logger) *Registry {
	if cache == nil {
		cache = NewLocalCache(DefaultCacheTTL, clk)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, cache: cache, audit: auditLog, clock: clk, logger: logger}
}

// IsAllowed reports whether the action is permitted for the tenant. Absence
// of a record means allowed. Store errors are logged and resolve to the
// default so a flaky store cannot take every gated action down; callers that
// must see errors use IsAllowedStrict.
func (r *Registry) IsAllowed(ctx context.Context, tenantID, key string) bool {
	if enabled, ok := r.cache.Get(ctx, tenantID, key); ok {
		return enabled
	}

	enabled, err := r.IsAllowedStrict(ctx, tenantID, key)
	if err != nil {
		r.logger.WarnContext(ctx, "kill switch lookup failed, defaulting to allowed",
			"tenant_id", tenantID, "switch_key", key, "error", err)
		return true
	}
	r.cache.Put(ctx, tenantID, key, enabled)
	return enabled
}

// IsAllowedStrict bypasses the cache entirely. Use it after a Set when the
// decision must reflect the write.
func (r *Registry) IsAllowedStrict(ctx context.Context, tenantID, key string) (bool, error) {
	sw, err := r.store.Get(ctx, tenantID, key)
	if errors.Is(err, ErrSwitchNotFound) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("get kill switch %s/%s: %w", tenantID, key, err)
	}
	return sw.Enabled, nil
}

// Set writes the gate and appends an audit record. The audit append is part
// of the operation: if it fails, Set fails, even though the store write has
// already landed.
func (r *Registry) Set(ctx context.Context, tenantID, key string, enabled bool, reason, actorID string) error {
	if tenantID == "" {
		return relayerr.New(relayerr.KindClient, relayerr.CodeForbidden, "tenant id is required")
	}
	if err := ValidateKey(key); err != nil {
		return relayerr.Wrap(relayerr.KindClient, relayerr.CodeForbidden, "invalid switch key", err)
	}

	sw := &Switch{
		TenantID:  tenantID,
		Key:       key,
		Enabled:   enabled,
		Reason:    reason,
		UpdatedBy: actorID,
		UpdatedAt: r.clock.Now(),
	}
	if err := r.store.Set(ctx, sw); err != nil {
		return fmt.Errorf("set kill switch %s/%s: %w", tenantID, key, err)
	}
	r.cache.Invalidate(ctx, tenantID, key)

	if r.audit != nil {
		_, err := r.audit.Append(ctx, tenantID, audit.Entry{
			ActorID:  actorID,
			Action:   SetAction,
			Entity:   "kill_switch",
			EntityID: key,
			Payload: map[string]any{
				"enabled": enabled,
				"reason":  reason,
			},
		})
		if err != nil {
			return fmt.Errorf("audit kill switch set %s/%s: %w", tenantID, key, err)
		}
	}

	r.logger.InfoContext(ctx, "kill switch updated",
		"tenant_id", tenantID, "switch_key", key, "enabled", enabled, "actor_id", actorID)
	return nil
}

// Get returns the stored record, ErrSwitchNotFound when absent.
func (r *Registry) Get(ctx context.Context, tenantID, key string) (*Switch, error) {
	return r.store.Get(ctx, tenantID, key)
}

// List returns every explicit gate for the tenant.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*Switch, error) {
	return r.store.List(ctx, tenantID)
}
