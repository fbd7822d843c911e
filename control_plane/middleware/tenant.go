package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// TenantContextKey is a strict type for context keys to prevent collisions.
type TenantContextKey string

const (
	// TenantKey is the context key for the tenant id.
	TenantKey TenantContextKey = "tenant_id"
	// TenantHeader is the HTTP header expected to carry the tenant id.
	TenantHeader = "X-Tenant-ID"
)

// Tenant resolves the calling tenant. When the auth layer already put a
// tenant claim into the context, the header must either be absent or agree
// with it; without a claim the header is required.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(TenantHeader)

		if claimed, err := GetTenantFromContext(r.Context()); err == nil {
			if header != "" && header != claimed {
				http.Error(w, "tenant header does not match token", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if header == "" {
			http.Error(w, fmt.Sprintf("missing required header: %s", TenantHeader), http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), TenantKey, header)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantFromContext safely retrieves the tenant id from the context.
func GetTenantFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(TenantKey)
	if val == nil {
		return "", fmt.Errorf("tenant_id not found in context")
	}
	tenantID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("tenant_id in context is not a string")
	}
	return tenantID, nil
}
