package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/backoff"
	"github.com/xraph/tenancy/clock"
	"github.com/xraph/tenancy/hook"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/limit"
	"github.com/xraph/tenancy/middleware"
	"github.com/xraph/tenancy/tenant"
)

// Executor periodically sweeps every registered tenant's store for due
// jobs, claims them with a time-bounded lock, and dispatches them to a
// worker pool.
type Executor struct {
	id       id.ExecutorID
	cfg      tenancy.Config
	tenants  *tenant.Registry
	handlers *job.Registry
	clk      clock.Clock
	hooks    *hook.Registry
	limits   *limit.Manager
	bo       backoff.Strategy
	logger   *slog.Logger
	mws      []middleware.Middleware

	runner     *Runner
	dispatcher Dispatcher

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	loopDone chan struct{}

	// poolStopped records that Stop drained the dispatcher; the next
	// Start builds a fresh one.
	poolStopped bool

	// consecutive whole-sweep failures; reaching MaxSweepFailures
	// stalls the executor.
	failures int
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the engine clock the executor sweeps against.
// Defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Executor) { e.clk = clk }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(hooks *hook.Registry) Option {
	return func(e *Executor) { e.hooks = hooks }
}

// WithLimits sets the per-tenant throttling manager. Jobs for a tenant
// over its limit are unlocked and retried on a later sweep.
func WithLimits(m *limit.Manager) Option {
	return func(e *Executor) { e.limits = m }
}

// WithBackoff sets the retry backoff strategy.
func WithBackoff(bo backoff.Strategy) Option {
	return func(e *Executor) { e.bo = bo }
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMiddleware appends middleware to the job execution chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Executor) { e.mws = append(e.mws, mws...) }
}

// New creates an Executor over the given tenant registry and handler
// registry. The pool shape, sizes, and intervals come from cfg.
func New(cfg tenancy.Config, tenants *tenant.Registry, handlers *job.Registry, opts ...Option) *Executor {
	e := &Executor{
		id:       id.NewExecutorID(),
		cfg:      cfg,
		tenants:  tenants,
		handlers: handlers,
		clk:      clock.System(),
		bo:       backoff.DefaultStrategy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hooks == nil {
		e.hooks = hook.NewRegistry(e.logger)
	}

	e.runner = NewRunner(e.handlers, e.tenants, e.hooks, e.bo, e.clk, e.logger, e.mws...)
	e.dispatcher = e.newDispatcher()
	return e
}

// newDispatcher builds a dispatcher of the configured shape.
func (e *Executor) newDispatcher() Dispatcher {
	run := func(tenantID string, j *job.Job) {
		e.runner.Run(tenantID, j)
		if e.limits != nil {
			e.limits.Release(tenantID)
		}
	}
	switch e.cfg.PoolShape {
	case tenancy.PoolPerTenant:
		return NewTenantDispatcher(e.cfg.PoolSize, e.cfg.QueueCapacity, run, e.logger)
	default:
		return NewSharedDispatcher(e.cfg.PoolSize, e.cfg.QueueCapacity, run, e.logger)
	}
}

// ID returns this executor's lock-owner identity.
func (e *Executor) ID() id.ExecutorID { return e.id }

// Running reports whether the sweep loop is active.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start launches the sweep loop. It returns immediately. Starting an
// executor that was stopped (or that stalled) begins a fresh run with
// a fresh worker pool and a reset failure count.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.running = true
	e.failures = 0
	e.stopCh = make(chan struct{})
	e.loopDone = make(chan struct{})
	if e.poolStopped {
		e.dispatcher = e.newDispatcher()
		e.poolStopped = false
	}

	e.logger.Info("async executor starting",
		slog.String("executor_id", e.id.String()),
		slog.Duration("acquire_interval", e.cfg.AcquireInterval),
		slog.String("pool_shape", string(e.cfg.PoolShape)),
		slog.Int("pool_size", e.cfg.PoolSize),
	)

	go e.loop(e.stopCh, e.loopDone)
	return nil
}

func (e *Executor) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.AcquireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if stalled := e.runSweep(); stalled {
				e.mu.Lock()
				e.running = false
				e.mu.Unlock()
				return
			}
		}
	}
}

// runSweep executes one cycle and tracks the consecutive-failure
// budget. It reports true when the executor should stall.
func (e *Executor) runSweep() bool {
	ctx := context.Background()
	start := time.Now()

	acquired, failed := e.Sweep(ctx)
	e.hooks.EmitSweepCompleted(ctx, acquired, time.Since(start))

	if failed {
		e.failures++
		if e.cfg.MaxSweepFailures > 0 && e.failures >= e.cfg.MaxSweepFailures {
			e.logger.Error("async executor stalled",
				slog.String("executor_id", e.id.String()),
				slog.Int("consecutive_failures", e.failures),
			)
			e.hooks.EmitExecutorStalled(ctx, e.failures)
			return true
		}
		return false
	}
	e.failures = 0
	return false
}

// Sweep runs one acquisition cycle over every registered tenant and
// returns the number of jobs handed to workers. The second result is
// true when every tenant in the cycle failed, which counts against the
// stall budget. Exported so operators and tests can force a cycle
// without waiting for the ticker.
func (e *Executor) Sweep(ctx context.Context) (int, bool) {
	now := e.clk.Now()
	tenantIDs := e.tenants.TenantIDs()
	if len(tenantIDs) == 0 {
		return 0, false
	}

	var acquired, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			n, ok := e.sweepTenant(gctx, tenantID, now)
			acquired.Add(int64(n))
			if !ok {
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() // per-tenant errors never abort the cycle

	allFailed := skipped.Load() == int64(len(tenantIDs))
	return int(acquired.Load()), allFailed
}

// sweepTenant acquires due jobs from one tenant's store. A store error
// skips the tenant for this cycle only.
func (e *Executor) sweepTenant(ctx context.Context, tenantID string, now time.Time) (int, bool) {
	st, err := e.tenants.Store(tenantID)
	if err != nil {
		// Deregistered mid-sweep; nothing to do.
		return 0, true
	}

	due, err := st.DueJobs(ctx, now, e.cfg.AcquireBatch)
	if err != nil {
		e.logger.Warn("tenant skipped for this cycle",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		e.hooks.EmitTenantSkipped(ctx, tenantID, err)
		return 0, false
	}

	owner := e.id.String()
	until := now.Add(e.cfg.LockDuration)
	count := 0
	for _, j := range due {
		won, lockErr := st.TryLockJob(ctx, j.ID, owner, now, until)
		if lockErr != nil {
			e.logger.Warn("tenant skipped for this cycle",
				slog.String("tenant_id", tenantID),
				slog.String("error", lockErr.Error()),
			)
			e.hooks.EmitTenantSkipped(ctx, tenantID, lockErr)
			return count, false
		}
		if !won {
			// Another executor claimed it first. Benign.
			continue
		}
		j.LockOwner = owner
		lockedUntil := until
		j.LockedUntil = &lockedUntil
		e.hooks.EmitJobAcquired(ctx, j)

		if !e.dispatch(ctx, st, tenantID, j) {
			continue
		}
		count++
	}
	return count, true
}

// dispatch offers a locked job to the pool, honoring per-tenant limits.
// A rejected job is unlocked so the next cycle retries it.
func (e *Executor) dispatch(ctx context.Context, st job.Store, tenantID string, j *job.Job) bool {
	if e.limits != nil && !e.limits.Acquire(tenantID) {
		e.unlock(ctx, st, j, "tenant over limit")
		return false
	}

	if !e.dispatcher.Submit(tenantID, j) {
		if e.limits != nil {
			e.limits.Release(tenantID)
		}
		e.unlock(ctx, st, j, "dispatch queue full")
		return false
	}
	return true
}

func (e *Executor) unlock(ctx context.Context, st job.Store, j *job.Job, reason string) {
	if err := st.UnlockJob(ctx, j.ID); err != nil {
		e.logger.Error("failed to unlock skipped job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.Debug("job skipped, retried next cycle",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
		slog.String("reason", reason),
	)
}

// Stop halts the sweep loop, gives in-flight jobs the configured grace
// to finish, then force-releases this executor's remaining locks in
// every tenant store.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	stopCh, loopDone := e.stopCh, e.loopDone
	e.stopCh, e.loopDone = nil, nil
	e.running = false
	dispatcher := e.dispatcher
	e.poolStopped = true
	e.mu.Unlock()

	// The loop may have already exited on a stall; closing its stop
	// channel is then a no-op and the done channel is already closed.
	if stopCh != nil {
		close(stopCh)
		<-loopDone
	}

	graceCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Stop(graceCtx); err != nil {
		e.logger.Warn("dispatcher shutdown incomplete", slog.String("error", err.Error()))
	}

	owner := e.id.String()
	for _, tenantID := range e.tenants.TenantIDs() {
		st, err := e.tenants.Store(tenantID)
		if err != nil {
			continue
		}
		released, relErr := st.ReleaseLocks(ctx, owner)
		if relErr != nil {
			e.logger.Error("failed to release locks",
				slog.String("tenant_id", tenantID),
				slog.String("error", relErr.Error()),
			)
			continue
		}
		if released > 0 {
			e.logger.Info("released leftover locks",
				slog.String("tenant_id", tenantID),
				slog.Int64("released", released),
			)
		}
	}

	e.hooks.EmitShutdown(ctx)
	e.logger.Info("async executor stopped", slog.String("executor_id", e.id.String()))
	return nil
}
