package tenant

import (
	"sort"
	"sync"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/store"
)

type entry struct {
	store store.Store
	users map[string]struct{}
}

// Registry maps tenant identifiers to their stores and authorized users.
// Tenants may be registered at any time during the process lifetime;
// registration is safe to call concurrently with an in-flight sweep,
// which snapshots TenantIDs at sweep start and picks up a new tenant no
// later than the next sweep.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*entry
}

// NewRegistry creates an empty tenant registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*entry)}
}

// Register adds a tenant with its store handle. Re-registering a tenant
// with the identical store handle is a no-op (idempotent onboarding);
// registering a different store under an existing identifier fails with
// tenancy.ErrDuplicateTenant.
func (r *Registry) Register(tenantID string, st store.Store) error {
	if st == nil {
		return tenancy.ErrNoStore
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tenants[tenantID]; ok {
		if existing.store == st {
			return nil
		}
		return tenancy.ErrDuplicateTenant
	}

	r.tenants[tenantID] = &entry{
		store: st,
		users: make(map[string]struct{}),
	}
	return nil
}

// Deregister removes a tenant and returns its store handle so the
// caller can close it. Returns tenancy.ErrUnknownTenant if absent.
func (r *Registry) Deregister(tenantID string) (store.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tenants[tenantID]
	if !ok {
		return nil, tenancy.ErrUnknownTenant
	}
	delete(r.tenants, tenantID)
	return e.store, nil
}

// AddUser authorizes a user for a tenant. A user belongs to at most one
// tenant; TenantForUser resolves the reverse mapping.
func (r *Registry) AddUser(tenantID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tenants[tenantID]
	if !ok {
		return tenancy.ErrUnknownTenant
	}
	e.users[userID] = struct{}{}
	return nil
}

// Users returns the sorted user identifiers authorized for a tenant.
func (r *Registry) Users(tenantID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tenants[tenantID]
	if !ok {
		return nil, tenancy.ErrUnknownTenant
	}
	users := make([]string, 0, len(e.users))
	for u := range e.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// TenantForUser resolves the tenant a user belongs to.
// Returns tenancy.ErrUnknownUser if the user is not assigned anywhere.
func (r *Registry) TenantForUser(userID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for tenantID, e := range r.tenants {
		if _, ok := e.users[userID]; ok {
			return tenantID, nil
		}
	}
	return "", tenancy.ErrUnknownUser
}

// TenantIDs returns all registered tenant identifiers in sorted order,
// giving acquisition sweeps a stable iteration order.
func (r *Registry) TenantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store returns the store handle owned by a tenant.
// Returns tenancy.ErrUnknownTenant if the tenant is not registered.
func (r *Registry) Store(tenantID string) (store.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tenants[tenantID]
	if !ok {
		return nil, tenancy.ErrUnknownTenant
	}
	return e.store, nil
}
