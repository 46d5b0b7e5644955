package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/backoff"
	"github.com/xraph/tenancy/clock"
	"github.com/xraph/tenancy/executor"
	"github.com/xraph/tenancy/hook"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/limit"
	mw "github.com/xraph/tenancy/middleware"
	"github.com/xraph/tenancy/observability"
	"github.com/xraph/tenancy/process"
	"github.com/xraph/tenancy/store"
	"github.com/xraph/tenancy/tenant"
)

// Engine is the multi-tenant process engine facade. All operations act
// on behalf of the tenant carried by the context; use WithTenant or
// WithUser to establish it.
type Engine struct {
	cfg      tenancy.Config
	logger   *slog.Logger
	clk      clock.Clock
	registry *tenant.Registry
	router   *tenant.Router
	handlers *job.Registry
	hooks    *hook.Registry
	limits   *limit.Manager
	bo       backoff.Strategy
	mws      []mw.Middleware
	exec     *executor.Executor

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the engine clock. All due-time and lock-expiry
// decisions run against it. Defaults to the system clock; tests inject
// clock.NewSettable to drive timers deterministically.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(ext hook.Extension) Option {
	return func(e *Engine) { e.hooks.Register(ext) }
}

// WithMiddleware appends middleware to the job execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff sets the retry backoff strategy.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithTenantLimits configures per-tenant throttling. Tenants not listed
// have no limits beyond the pool-wide concurrency.
func WithTenantLimits(configs ...limit.Config) Option {
	return func(e *Engine) { e.limits = limit.NewManager(configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both
// the metrics middleware and the observability extension use this
// provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// timerJobName is the reserved handler the engine registers for timer
// firings scheduled by StartInstance.
const timerJobName = "process.timer"

// New creates an Engine with the given configuration.
func New(cfg tenancy.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		clk:      clock.System(),
		registry: tenant.NewRegistry(),
		handlers: job.NewRegistry(),
	}
	e.router = tenant.NewRouter(e.registry)
	e.hooks = hook.NewRegistry(e.logger)

	for _, opt := range opts {
		opt(e)
	}
	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/xraph/tenancy"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/xraph/tenancy"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if e.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(
			e.meterProvider.Meter("github.com/xraph/tenancy/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	e.hooks.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging
	// → timeout. The tenant scope wrapper is always the runner's
	// outermost link.
	defaultMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(e.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, e.mws...)

	e.handlers.Register(timerJobName, e.fireTimer)

	execOpts := []executor.Option{
		executor.WithClock(e.clk),
		executor.WithHooks(e.hooks),
		executor.WithBackoff(e.bo),
		executor.WithLogger(e.logger),
		executor.WithMiddleware(allMws...),
	}
	if e.limits != nil {
		execOpts = append(execOpts, executor.WithLimits(e.limits))
	}
	e.exec = executor.New(cfg, e.registry, e.handlers, execOpts...)

	return e
}

// Handlers returns the job registry for registering custom async job
// handlers beyond the engine's own timer handler.
func (e *Engine) Handlers() *job.Registry { return e.handlers }

// Tenants returns the tenant registry.
func (e *Engine) Tenants() *tenant.Registry { return e.registry }

// Router returns the tenant-resolving store router.
func (e *Engine) Router() *tenant.Router { return e.router }

// Clock returns the engine clock.
func (e *Engine) Clock() clock.Clock { return e.clk }

// Executor returns the async job executor.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// Start launches the async executor when enabled by configuration.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.AsyncExecutorEnabled {
		e.logger.Info("async executor disabled by configuration")
		return nil
	}
	return e.exec.Start(ctx)
}

// Stop shuts the executor down: in-flight jobs get the configured
// grace, then leftover locks are released in every tenant store.
func (e *Engine) Stop(ctx context.Context) error {
	return e.exec.Stop(ctx)
}

// ──────────────────────────────────────────────────
// Tenant lifecycle
// ──────────────────────────────────────────────────

// RegisterTenant migrates the tenant's store, adds the tenant to the
// registry, and maps its users. New tenants are swept on the next
// executor cycle; no restart is involved. Re-registering a tenant with
// the same store is a no-op.
func (e *Engine) RegisterTenant(ctx context.Context, tenantID string, st store.Store, users ...string) error {
	if st == nil {
		return tenancy.ErrNoStore
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate tenant %s: %w", tenantID, err)
	}
	if err := e.registry.Register(tenantID, st); err != nil {
		return err
	}
	for _, userID := range users {
		if err := e.registry.AddUser(tenantID, userID); err != nil {
			return err
		}
	}

	e.hooks.EmitTenantRegistered(ctx, tenantID)
	e.logger.Info("tenant registered",
		slog.String("tenant_id", tenantID),
		slog.Int("users", len(users)),
	)
	return nil
}

// DeregisterTenant removes the tenant and returns its store so the
// caller can drain or close it. Jobs already handed to workers finish;
// everything else in the departed store is left untouched.
func (e *Engine) DeregisterTenant(tenantID string) (store.Store, error) {
	return e.registry.Deregister(tenantID)
}

// WithTenant returns a context acting as the given tenant.
func (e *Engine) WithTenant(ctx context.Context, tenantID string) (context.Context, error) {
	if _, err := e.registry.Store(tenantID); err != nil {
		return ctx, err
	}
	return tenant.WithTenant(ctx, tenantID), nil
}

// WithUser returns a context acting as the given user, with the user's
// tenant resolved through the registry.
func (e *Engine) WithUser(ctx context.Context, userID string) (context.Context, error) {
	tenantID, err := e.registry.TenantForUser(userID)
	if err != nil {
		return ctx, err
	}
	ctx = tenant.WithTenant(ctx, tenantID)
	return tenant.WithUser(ctx, userID), nil
}

// ──────────────────────────────────────────────────
// Process facade
// ──────────────────────────────────────────────────

// Deploy persists a deployment of the given definitions to the current
// tenant's store and returns its ID. Cyclic timer expressions are
// validated here, at deploy time.
func (e *Engine) Deploy(ctx context.Context, definitions ...process.Definition) (id.DeploymentID, error) {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return id.DeploymentID{}, err
	}
	tenantID, _ := tenant.TenantFrom(ctx)
	userID, _ := tenant.UserFrom(ctx)

	for _, def := range definitions {
		for _, timer := range def.Timers {
			if timer.Cycle == "" {
				continue
			}
			if _, parseErr := executor.ParseSchedule(timer.Cycle); parseErr != nil {
				return id.DeploymentID{}, fmt.Errorf("definition %s timer %s: %w", def.Key, timer.Name, parseErr)
			}
		}
	}

	d := &process.Deployment{
		ID:          id.NewDeploymentID(),
		TenantID:    tenantID,
		DeployedBy:  userID,
		Definitions: definitions,
	}
	d.Entity = tenancy.NewEntity()

	if err := st.CreateDeployment(ctx, d); err != nil {
		return id.DeploymentID{}, err
	}

	e.logger.Info("deployment created",
		slog.String("tenant_id", tenantID),
		slog.String("deployment_id", d.ID.String()),
		slog.Int("definitions", len(definitions)),
	)
	return d.ID, nil
}

// StartInstance starts a new instance of the latest definition with the
// given key: opens its user tasks and schedules its timer jobs in the
// tenant's own store.
func (e *Engine) StartInstance(ctx context.Context, processKey string, variables map[string]any) (id.InstanceID, error) {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return id.InstanceID{}, err
	}
	tenantID, _ := tenant.TenantFrom(ctx)
	userID, _ := tenant.UserFrom(ctx)

	def, deploymentID, err := st.LatestDefinition(ctx, processKey)
	if err != nil {
		return id.InstanceID{}, err
	}

	now := e.clk.Now()
	inst := &process.Instance{
		ID:            id.NewInstanceID(),
		TenantID:      tenantID,
		DeploymentID:  deploymentID,
		ProcessKey:    processKey,
		StartedBy:     userID,
		Variables:     variables,
		StartedAt:     now,
		PendingTimers: len(def.Timers),
	}
	inst.Entity = tenancy.NewEntity()
	if err := st.CreateInstance(ctx, inst); err != nil {
		return id.InstanceID{}, err
	}

	for _, name := range def.UserTasks {
		task := &process.Task{
			ID:         id.NewTaskID(),
			TenantID:   tenantID,
			InstanceID: inst.ID,
			Name:       name,
		}
		task.Entity = tenancy.NewEntity()
		if err := st.CreateTask(ctx, task); err != nil {
			return id.InstanceID{}, err
		}
	}

	for _, timer := range def.Timers {
		if err := e.scheduleTimer(ctx, st, inst, tenantID, userID, timer, now); err != nil {
			return id.InstanceID{}, err
		}
	}

	e.logger.Info("instance started",
		slog.String("tenant_id", tenantID),
		slog.String("process_key", processKey),
		slog.String("instance_id", inst.ID.String()),
		slog.Int("tasks", len(def.UserTasks)),
		slog.Int("timers", len(def.Timers)),
	)
	return inst.ID, nil
}

// CompleteTask removes an open task. When it was the instance's last
// open task and no timers are pending, the instance ends.
func (e *Engine) CompleteTask(ctx context.Context, taskID id.TaskID) error {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return err
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := st.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	return e.maybeEndInstance(ctx, st, task.InstanceID)
}

// Tasks returns all open tasks in the current tenant's store.
func (e *Engine) Tasks(ctx context.Context) ([]*process.Task, error) {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return nil, err
	}
	return st.ListTasks(ctx, process.TaskListOpts{})
}

// TasksForInstance returns the open tasks of one instance.
func (e *Engine) TasksForInstance(ctx context.Context, instanceID id.InstanceID) ([]*process.Task, error) {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return nil, err
	}
	return st.ListTasks(ctx, process.TaskListOpts{InstanceID: instanceID})
}

// CountActiveInstances returns the number of instances not yet ended in
// the current tenant's store.
func (e *Engine) CountActiveInstances(ctx context.Context) (int64, error) {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return 0, err
	}
	return st.CountActiveInstances(ctx)
}

// CountActiveJobs returns the number of jobs in the current tenant's
// store, locked or not.
func (e *Engine) CountActiveJobs(ctx context.Context) (int64, error) {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return 0, err
	}
	return st.CountJobs(ctx)
}

// maybeEndInstance ends the instance when it has no open tasks and no
// pending timers left.
func (e *Engine) maybeEndInstance(ctx context.Context, st store.Store, instanceID id.InstanceID) error {
	open, err := st.CountTasks(ctx, instanceID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}

	inst, err := st.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Active() || inst.PendingTimers > 0 {
		return nil
	}

	if err := st.EndInstance(ctx, instanceID, e.clk.Now()); err != nil {
		return err
	}
	e.logger.Info("instance ended",
		slog.String("tenant_id", inst.TenantID),
		slog.String("instance_id", instanceID.String()),
	)
	return nil
}
