// Package observability provides an OpenTelemetry-based metrics
// extension for the tenancy engine. The MetricsExtension implements
// lifecycle hooks to record system-wide counters for job acquisition,
// completion, retry, and dead-job events, plus per-sweep statistics.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/tenancy/hook"
	"github.com/xraph/tenancy/job"
)

// meterName is the instrumentation scope name for tenancy observability.
const meterName = "github.com/xraph/tenancy/observability"

// Compile-time interface checks.
var (
	_ hook.Extension        = (*MetricsExtension)(nil)
	_ hook.JobAcquired      = (*MetricsExtension)(nil)
	_ hook.JobCompleted     = (*MetricsExtension)(nil)
	_ hook.JobRetrying      = (*MetricsExtension)(nil)
	_ hook.JobDead          = (*MetricsExtension)(nil)
	_ hook.TenantRegistered = (*MetricsExtension)(nil)
	_ hook.TenantSkipped    = (*MetricsExtension)(nil)
	_ hook.SweepCompleted   = (*MetricsExtension)(nil)
	_ hook.ExecutorStalled  = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OpenTelemetry.
// Register it as an engine extension to automatically track acquisition
// rates, completion counts, retry counts, dead job entries, tenant
// registrations, sweep durations, and executor stalls.
//
// Counters carry a tenant_id attribute where the event has a tenant, so
// per-tenant rates fall out of the same instruments.
type MetricsExtension struct {
	jobsAcquired  metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsRetried   metric.Int64Counter
	jobsDead      metric.Int64Counter
	tenants       metric.Int64Counter
	tenantSkips   metric.Int64Counter
	sweepDuration metric.Float64Histogram
	sweepAcquired metric.Int64Counter
	stalls        metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If none is configured, noop instruments are used.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	e := &MetricsExtension{}
	// OTel guarantees a noop instrument on error, so the errors are
	// safe to discard.
	e.jobsAcquired, _ = meter.Int64Counter("tenancy.jobs.acquired",
		metric.WithDescription("Jobs locked by the async executor"))
	e.jobsCompleted, _ = meter.Int64Counter("tenancy.jobs.completed",
		metric.WithDescription("Jobs that finished successfully"))
	e.jobsRetried, _ = meter.Int64Counter("tenancy.jobs.retried",
		metric.WithDescription("Job executions rescheduled for retry"))
	e.jobsDead, _ = meter.Int64Counter("tenancy.jobs.dead",
		metric.WithDescription("Jobs moved to the dead job store"))
	e.tenants, _ = meter.Int64Counter("tenancy.tenants.registered",
		metric.WithDescription("Tenants registered with the engine"))
	e.tenantSkips, _ = meter.Int64Counter("tenancy.tenants.skipped",
		metric.WithDescription("Tenant sweeps skipped because the tenant store errored"))
	e.sweepDuration, _ = meter.Float64Histogram("tenancy.sweep.duration",
		metric.WithDescription("Duration of a full acquisition cycle in seconds"),
		metric.WithUnit("s"))
	e.sweepAcquired, _ = meter.Int64Counter("tenancy.sweep.acquired",
		metric.WithDescription("Jobs acquired per sweep cycle"))
	e.stalls, _ = meter.Int64Counter("tenancy.executor.stalls",
		metric.WithDescription("Times the executor declared itself stalled"))
	return e
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func tenantAttr(tenantID string) metric.AddOption {
	return metric.WithAttributes(attribute.String("tenant_id", tenantID))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobAcquired implements hook.JobAcquired.
func (m *MetricsExtension) OnJobAcquired(ctx context.Context, j *job.Job) error {
	m.jobsAcquired.Add(ctx, 1, tenantAttr(j.TenantID))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.jobsCompleted.Add(ctx, 1, tenantAttr(j.TenantID))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobsRetried.Add(ctx, 1, tenantAttr(j.TenantID))
	return nil
}

// OnJobDead implements hook.JobDead.
func (m *MetricsExtension) OnJobDead(ctx context.Context, j *job.Job, _ error) error {
	m.jobsDead.Add(ctx, 1, tenantAttr(j.TenantID))
	return nil
}

// ── Tenant and sweep hooks ──────────────────────────

// OnTenantRegistered implements hook.TenantRegistered.
func (m *MetricsExtension) OnTenantRegistered(ctx context.Context, tenantID string) error {
	m.tenants.Add(ctx, 1, tenantAttr(tenantID))
	return nil
}

// OnTenantSkipped implements hook.TenantSkipped.
func (m *MetricsExtension) OnTenantSkipped(ctx context.Context, tenantID string, _ error) error {
	m.tenantSkips.Add(ctx, 1, tenantAttr(tenantID))
	return nil
}

// OnSweepCompleted implements hook.SweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(ctx context.Context, acquired int, elapsed time.Duration) error {
	m.sweepDuration.Record(ctx, elapsed.Seconds())
	m.sweepAcquired.Add(ctx, int64(acquired))
	return nil
}

// OnExecutorStalled implements hook.ExecutorStalled.
func (m *MetricsExtension) OnExecutorStalled(ctx context.Context, _ int) error {
	m.stalls.Add(ctx, 1)
	return nil
}
