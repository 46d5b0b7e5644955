package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/xraph/tenancy/job"
)

// Dispatcher routes locked jobs to worker capacity. Submit is
// non-blocking; false means the job was not accepted and the caller
// should unlock it so a later sweep retries.
type Dispatcher interface {
	Submit(tenantID string, j *job.Job) bool
	Stop(ctx context.Context) error
}

// SharedDispatcher serves every tenant from a single bounded pool.
// Throughput is maximal but tenants compete for the same workers; pair
// with the limit package when one tenant must not starve the rest.
type SharedDispatcher struct {
	pool *Pool
}

// NewSharedDispatcher creates a dispatcher backed by one pool of the
// given size and queue capacity.
func NewSharedDispatcher(workers, capacity int, run runFunc, logger *slog.Logger) *SharedDispatcher {
	return &SharedDispatcher{
		pool: NewPool(workers, capacity, run, logger),
	}
}

// Submit implements Dispatcher.
func (d *SharedDispatcher) Submit(tenantID string, j *job.Job) bool {
	return d.pool.Submit(tenantID, j)
}

// Stop implements Dispatcher.
func (d *SharedDispatcher) Stop(ctx context.Context) error {
	return d.pool.Stop(ctx)
}

// TenantDispatcher gives each tenant its own bounded pool, created
// lazily on first submission. A tenant added at runtime gets a pool on
// the first sweep that finds work for it; no restart is involved.
type TenantDispatcher struct {
	workers  int
	capacity int
	run      runFunc
	logger   *slog.Logger

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// NewTenantDispatcher creates a dispatcher that maintains one pool per
// tenant, each with the given size and queue capacity.
func NewTenantDispatcher(workers, capacity int, run runFunc, logger *slog.Logger) *TenantDispatcher {
	return &TenantDispatcher{
		workers:  workers,
		capacity: capacity,
		run:      run,
		logger:   logger,
		pools:    make(map[string]*Pool),
	}
}

// Submit implements Dispatcher.
func (d *TenantDispatcher) Submit(tenantID string, j *job.Job) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	p, ok := d.pools[tenantID]
	if !ok {
		p = NewPool(d.workers, d.capacity, d.run, d.logger)
		d.pools[tenantID] = p
		d.logger.Info("started tenant worker pool",
			slog.String("tenant_id", tenantID),
			slog.Int("workers", d.workers),
		)
	}
	d.mu.Unlock()

	return p.Submit(tenantID, j)
}

// Stop implements Dispatcher. All tenant pools drain within the same
// deadline.
func (d *TenantDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	pools := make([]*Pool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
