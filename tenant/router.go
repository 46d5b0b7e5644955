package tenant

import (
	"context"

	"github.com/xraph/tenancy/store"
)

// Router resolves the current context's tenant to that tenant's store.
// It is deliberately dumb: a pure lookup with no state of its own.
// Tenant safety is structural: the Router has no path to return a store
// whose owner differs from the tenant in the context.
type Router struct {
	registry *Registry
}

// NewRouter creates a Router over the given registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// StoreFor returns the store for the tenant carried by ctx.
// Fails with tenancy.ErrNoTenantContext when ctx carries no tenant and
// tenancy.ErrUnknownTenant when the tenant is not registered.
func (r *Router) StoreFor(ctx context.Context) (store.Store, error) {
	tenantID, err := Require(ctx)
	if err != nil {
		return nil, err
	}
	return r.registry.Store(tenantID)
}

// Registry returns the underlying registry.
func (r *Router) Registry() *Registry { return r.registry }
