package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tenancy/backoff"
	"github.com/xraph/tenancy/clock"
	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/hook"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/middleware"
	"github.com/xraph/tenancy/tenant"
)

// Runner executes one locked job at a time: middleware chain, registered
// handler, then the success or failure bookkeeping against the owning
// tenant's store. For every job the tenant (and user, if any) is set on
// the context before the handler runs and gone after it returns; two
// jobs from different tenants on the same worker never see each other's
// identity.
type Runner struct {
	handlers  *job.Registry
	tenants   *tenant.Registry
	hooks     *hook.Registry
	backoff   backoff.Strategy
	clk       clock.Clock
	mw        middleware.Middleware
	schedules *scheduleCache
	logger    *slog.Logger
}

// NewRunner creates a Runner. The tenant-scope middleware is always the
// outermost link, so the supplied middleware and the handler both see
// the job's tenant on the context.
func NewRunner(
	handlers *job.Registry,
	tenants *tenant.Registry,
	hooks *hook.Registry,
	bo backoff.Strategy,
	clk clock.Clock,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Runner {
	chain := append([]middleware.Middleware{middleware.TenantScope()}, mws...)
	return &Runner{
		handlers:  handlers,
		tenants:   tenants,
		hooks:     hooks,
		backoff:   bo,
		clk:       clk,
		mw:        middleware.Chain(chain...),
		schedules: newScheduleCache(),
		logger:    logger,
	}
}

// Run executes the job and settles its outcome. Errors are fully
// handled here; the worker loop has nothing to do with them.
func (r *Runner) Run(tenantID string, j *job.Job) {
	ctx := context.Background()

	st, err := r.tenants.Store(tenantID)
	if err != nil {
		// Tenant deregistered between acquisition and execution. The
		// job lives in the departed store; nothing left to settle.
		r.logger.Warn("job execution skipped, tenant gone",
			slog.String("tenant_id", tenantID),
			slog.String("job_id", j.ID.String()),
		)
		return
	}

	handler, ok := r.handlers.Get(j.Name)
	if !ok {
		r.settleFailure(ctx, st, j, fmt.Errorf("no handler registered for job %q", j.Name))
		return
	}

	terminal := func(ctx context.Context) error {
		return handler(ctx, j)
	}

	start := time.Now()
	execErr := r.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	j.UpdatedAt = time.Now().UTC()

	if execErr != nil {
		r.settleFailure(ctx, st, j, execErr)
		return
	}
	r.settleSuccess(ctx, st, j, elapsed)
}

// settleSuccess deletes the finished job, or reschedules it when it
// carries a repeat expression.
func (r *Runner) settleSuccess(ctx context.Context, st job.Store, j *job.Job, elapsed time.Duration) {
	if j.Repeat != "" {
		next, err := r.schedules.Next(j.Repeat, r.clk.Now())
		if err != nil {
			r.logger.Error("invalid repeat expression, deleting job",
				slog.String("job_id", j.ID.String()),
				slog.String("repeat", j.Repeat),
				slog.String("error", err.Error()),
			)
		} else {
			j.Unlock()
			j.DueAt = next
			j.RetryCount = 0
			j.LastError = ""
			if updateErr := st.UpdateJob(ctx, j); updateErr != nil {
				r.logger.Error("failed to reschedule repeating job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", updateErr.Error()),
				)
				return
			}
			r.hooks.EmitJobCompleted(ctx, j, elapsed)
			return
		}
	}

	if err := st.DeleteJob(ctx, j.ID); err != nil {
		r.logger.Error("failed to delete completed job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.hooks.EmitJobCompleted(ctx, j, elapsed)
}

// settleFailure burns one retry. With budget left the job is unlocked
// and rescheduled with backoff; exhausted, it moves to the dead-job
// store and leaves the job table.
func (r *Runner) settleFailure(ctx context.Context, st job.Store, j *job.Job, execErr error) {
	j.RetryCount++
	j.LastError = execErr.Error()

	if j.RetryCount <= j.MaxRetries {
		delay := r.backoff.Delay(j.RetryCount)
		nextDueAt := r.clk.Now().Add(delay)
		j.Unlock()
		j.DueAt = nextDueAt

		if updateErr := st.UpdateJob(ctx, j); updateErr != nil {
			r.logger.Error("failed to reschedule job for retry",
				slog.String("job_id", j.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			return
		}

		r.hooks.EmitJobRetrying(ctx, j, j.RetryCount, nextDueAt)
		r.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("tenant_id", j.TenantID),
			slog.Int("attempt", j.RetryCount),
			slog.Int("max_retries", j.MaxRetries),
			slog.Duration("delay", delay),
		)
		return
	}

	// The composite tenant store carries the dead-job subsystem too.
	if ds, ok := st.(dead.Store); ok {
		svc := dead.NewService(ds, st, r.clk)
		if pushErr := svc.Push(ctx, j, execErr); pushErr != nil {
			r.logger.Error("failed to push dead job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", pushErr.Error()),
			)
			return
		}
	}
	if delErr := st.DeleteJob(ctx, j.ID); delErr != nil {
		r.logger.Error("failed to delete dead job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", delErr.Error()),
		)
		return
	}

	r.hooks.EmitJobDead(ctx, j, execErr)
	r.logger.Warn("job moved to dead store after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.String("tenant_id", j.TenantID),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", execErr.Error()),
	)
}
