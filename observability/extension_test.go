package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/observability"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		Name:     "timer-fire",
		TenantID: "alfresco",
	}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64] data type", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_JobCounters(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	j := newTestJob()

	if err := e.OnJobAcquired(ctx, j); err != nil {
		t.Fatalf("OnJobAcquired: %v", err)
	}
	if err := e.OnJobCompleted(ctx, j, 100*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := e.OnJobRetrying(ctx, j, 1, time.Now()); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}
	if err := e.OnJobDead(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobDead: %v", err)
	}

	for _, tc := range []struct {
		metric string
		want   int64
	}{
		{"tenancy.jobs.acquired", 1},
		{"tenancy.jobs.completed", 1},
		{"tenancy.jobs.retried", 1},
		{"tenancy.jobs.dead", 1},
	} {
		if got := counterValue(t, reader, tc.metric); got != tc.want {
			t.Errorf("%s = %d, want %d", tc.metric, got, tc.want)
		}
	}
}

func TestMetricsExtension_TenantCounters(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()

	_ = e.OnTenantRegistered(ctx, "alfresco")
	_ = e.OnTenantRegistered(ctx, "acme")
	_ = e.OnTenantSkipped(ctx, "acme", errors.New("store down"))

	if got := counterValue(t, reader, "tenancy.tenants.registered"); got != 2 {
		t.Errorf("tenancy.tenants.registered = %d, want 2", got)
	}
	if got := counterValue(t, reader, "tenancy.tenants.skipped"); got != 1 {
		t.Errorf("tenancy.tenants.skipped = %d, want 1", got)
	}
}

func TestMetricsExtension_SweepMetrics(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()

	_ = e.OnSweepCompleted(ctx, 3, 20*time.Millisecond)
	_ = e.OnSweepCompleted(ctx, 2, 10*time.Millisecond)

	if got := counterValue(t, reader, "tenancy.sweep.acquired"); got != 5 {
		t.Errorf("tenancy.sweep.acquired = %d, want 5", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "tenancy.sweep.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatal("tenancy.sweep.duration: expected Histogram[float64]")
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
				t.Fatalf("tenancy.sweep.duration: expected 2 recordings")
			}
			found = true
		}
	}
	if !found {
		t.Fatal("tenancy.sweep.duration metric not found")
	}
}

func TestMetricsExtension_ExecutorStalled(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()

	_ = e.OnExecutorStalled(ctx, 10)

	if got := counterValue(t, reader, "tenancy.executor.stalls"); got != 1 {
		t.Errorf("tenancy.executor.stalls = %d, want 1", got)
	}
}
