package middleware

import (
	"context"
	"net/http"

	relayerr "github.com/hostwell/relay/internal/errors"
)

// TenantIDHeader carries the tenant on every request. Authentication happens
// upstream; by the time a request reaches the relay core the header is
// trusted.
const TenantIDHeader = "X-Tenant-ID"

// ActorIDHeader carries the acting principal, when known.
const ActorIDHeader = "X-Actor-ID"

type tenantIDKey struct{}
type actorIDKey struct{}

// SetTenantID stores the tenant ID in the context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// GetTenantID retrieves the tenant ID from context. Returns empty string if
// not present.
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SetActorID stores the actor ID in the context.
func SetActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey{}, actorID)
}

// GetActorID retrieves the actor ID from context. Returns empty string if not
// present.
func GetActorID(ctx context.Context) string {
	if id, ok := ctx.Value(actorIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Tenant requires the tenant header and copies tenant and actor into the
// context. Requests without a tenant are rejected; every table downstream is
// tenant-scoped and there is no meaningful fallback.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		if tenantID == "" {
			writeError(w, r, http.StatusForbidden, relayerr.CodeForbidden,
				"X-Tenant-ID header is required")
			return
		}

		ctx := SetTenantID(r.Context(), tenantID)
		if actorID := r.Header.Get(ActorIDHeader); actorID != "" {
			ctx = SetActorID(ctx, actorID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
