package tenant

import (
	"context"

	"github.com/xraph/tenancy"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	userKey
)

// WithTenant returns a context carrying the given tenant identifier.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// WithUser returns a context carrying the given user identifier.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// TenantFrom extracts the tenant identifier from the context.
// Returns false if no tenant is set.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok && id != ""
}

// UserFrom extracts the user identifier from the context.
// Returns false if no user is set.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey).(string)
	return id, ok && id != ""
}

// Require returns the context's tenant identifier, or
// tenancy.ErrNoTenantContext if none is set. Operations that need a
// tenant fail loudly rather than defaulting to an arbitrary one.
func Require(ctx context.Context) (string, error) {
	id, ok := TenantFrom(ctx)
	if !ok {
		return "", tenancy.ErrNoTenantContext
	}
	return id, nil
}
