// Package hook defines the extension system for the tenancy engine.
// Extensions are notified of lifecycle events (job acquired, completed,
// retried, tenant registered, sweep finished, etc.) and can react to
// them for logging, metrics, alerting, and so on.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/xraph/tenancy/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobAcquired is called after the executor wins the lock on a due job.
type JobAcquired interface {
	OnJobAcquired(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a job fails but still has retry budget.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextDueAt time.Time) error
}

// JobDead is called when a job exhausts its retries and is moved to
// the dead job store.
type JobDead interface {
	OnJobDead(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Tenant and sweep hooks
// ──────────────────────────────────────────────────

// TenantRegistered is called after a tenant is added to the registry.
type TenantRegistered interface {
	OnTenantRegistered(ctx context.Context, tenantID string) error
}

// TenantSkipped is called when a sweep cycle skips a tenant because
// its store returned an error. The next cycle retries the tenant.
type TenantSkipped interface {
	OnTenantSkipped(ctx context.Context, tenantID string, err error) error
}

// SweepCompleted is called at the end of each acquisition cycle with
// the number of jobs locked across all tenants.
type SweepCompleted interface {
	OnSweepCompleted(ctx context.Context, acquired int, elapsed time.Duration) error
}

// ExecutorStalled is called when consecutive sweep cycles keep failing
// and the executor declares itself stalled.
type ExecutorStalled interface {
	OnExecutorStalled(ctx context.Context, consecutiveFailures int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
