package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tenancy/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobAcquiredEntry struct {
	name string
	hook JobAcquired
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobDeadEntry struct {
	name string
	hook JobDead
}

type tenantRegisteredEntry struct {
	name string
	hook TenantRegistered
}

type tenantSkippedEntry struct {
	name string
	hook TenantSkipped
}

type sweepCompletedEntry struct {
	name string
	hook SweepCompleted
}

type executorStalledEntry struct {
	name string
	hook ExecutorStalled
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobAcquired      []jobAcquiredEntry
	jobCompleted     []jobCompletedEntry
	jobRetrying      []jobRetryingEntry
	jobDead          []jobDeadEntry
	tenantRegistered []tenantRegisteredEntry
	tenantSkipped    []tenantSkippedEntry
	sweepCompleted   []sweepCompletedEntry
	executorStalled  []executorStalledEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobAcquired); ok {
		r.jobAcquired = append(r.jobAcquired, jobAcquiredEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobDead); ok {
		r.jobDead = append(r.jobDead, jobDeadEntry{name, h})
	}
	if h, ok := e.(TenantRegistered); ok {
		r.tenantRegistered = append(r.tenantRegistered, tenantRegisteredEntry{name, h})
	}
	if h, ok := e.(TenantSkipped); ok {
		r.tenantSkipped = append(r.tenantSkipped, tenantSkippedEntry{name, h})
	}
	if h, ok := e.(SweepCompleted); ok {
		r.sweepCompleted = append(r.sweepCompleted, sweepCompletedEntry{name, h})
	}
	if h, ok := e.(ExecutorStalled); ok {
		r.executorStalled = append(r.executorStalled, executorStalledEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobAcquired notifies all extensions that implement JobAcquired.
func (r *Registry) EmitJobAcquired(ctx context.Context, j *job.Job) {
	for _, e := range r.jobAcquired {
		if err := e.hook.OnJobAcquired(ctx, j); err != nil {
			r.logHookError("OnJobAcquired", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextDueAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextDueAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobDead notifies all extensions that implement JobDead.
func (r *Registry) EmitJobDead(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobDead {
		if err := e.hook.OnJobDead(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobDead", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Tenant and sweep event emitters
// ──────────────────────────────────────────────────

// EmitTenantRegistered notifies all extensions that implement TenantRegistered.
func (r *Registry) EmitTenantRegistered(ctx context.Context, tenantID string) {
	for _, e := range r.tenantRegistered {
		if err := e.hook.OnTenantRegistered(ctx, tenantID); err != nil {
			r.logHookError("OnTenantRegistered", e.name, err)
		}
	}
}

// EmitTenantSkipped notifies all extensions that implement TenantSkipped.
func (r *Registry) EmitTenantSkipped(ctx context.Context, tenantID string, skipErr error) {
	for _, e := range r.tenantSkipped {
		if err := e.hook.OnTenantSkipped(ctx, tenantID, skipErr); err != nil {
			r.logHookError("OnTenantSkipped", e.name, err)
		}
	}
}

// EmitSweepCompleted notifies all extensions that implement SweepCompleted.
func (r *Registry) EmitSweepCompleted(ctx context.Context, acquired int, elapsed time.Duration) {
	for _, e := range r.sweepCompleted {
		if err := e.hook.OnSweepCompleted(ctx, acquired, elapsed); err != nil {
			r.logHookError("OnSweepCompleted", e.name, err)
		}
	}
}

// EmitExecutorStalled notifies all extensions that implement ExecutorStalled.
func (r *Registry) EmitExecutorStalled(ctx context.Context, consecutiveFailures int) {
	for _, e := range r.executorStalled {
		if err := e.hook.OnExecutorStalled(ctx, consecutiveFailures); err != nil {
			r.logHookError("OnExecutorStalled", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the executor.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
