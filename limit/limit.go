// Package limit enforces per-tenant rate limits and concurrency caps
// on job execution.
//
// Tenants sharing a worker pool can starve each other: one tenant with
// a burst of due timers can occupy every worker. A [Manager] gates job
// dispatch per tenant so noisy tenants are throttled before their jobs
// reach a worker.
//
// Use [Config] to set per-tenant limits:
//
//	limit.Config{
//	    TenantID:       "alfresco",
//	    MaxConcurrency: 5,      // max 5 concurrent jobs for this tenant
//	    RateLimit:      10,     // max 10 jobs/s dispatched for this tenant
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// The manager uses a token-bucket rate limiter (golang.org/x/time/rate)
// and an active-count gate for concurrency limits:
//
//	m := limit.NewManager(configs...)
//	if m.Acquire(tenantID) {
//	    defer m.Release(tenantID)
//	    // run the job
//	}
//
// Tenants without a [Config] have no limits beyond the pool-wide
// concurrency.
package limit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-tenant dispatch behaviour such as rate limiting
// and concurrency.
type Config struct {
	// TenantID is the tenant this config applies to.
	TenantID string

	// MaxConcurrency limits how many jobs for this tenant may run
	// simultaneously across the local worker pool. Zero means no
	// tenant-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may be
	// dispatched for this tenant. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// tenantState tracks runtime state for a single tenant.
type tenantState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-tenant rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewManager creates a Manager with the given tenant configurations.
// Tenants not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		tenants: make(map[string]*tenantState, len(configs)),
	}
	for _, cfg := range configs {
		m.tenants[cfg.TenantID] = newTenantState(cfg)
	}
	return m
}

func newTenantState(cfg Config) *tenantState {
	ts := &tenantState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks rate limits and concurrency for the given tenant. If
// the job is allowed to proceed it increments the active counter and
// returns true. The caller MUST call Release when the job completes.
func (m *Manager) Acquire(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tenants[tenantID]
	if ts == nil {
		return true
	}
	// Concurrency first: a rejection at the cap must not consume a
	// rate token.
	if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	ts.active++
	return true
}

// Release decrements the active job count for the tenant.
func (m *Manager) Release(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tenants[tenantID]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// SetConfig dynamically updates (or creates) a tenant configuration.
// Calling this multiple times for the same tenant replaces the
// previous configuration but preserves the current active count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.tenants[cfg.TenantID]
	ts := newTenantState(cfg)
	if existing != nil {
		ts.active = existing.active
	}
	m.tenants[cfg.TenantID] = ts
}

// ActiveCount returns the current number of active jobs for a tenant.
func (m *Manager) ActiveCount(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.tenants[tenantID]; ts != nil {
		return ts.active
	}
	return 0
}
