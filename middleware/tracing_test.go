package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/middleware"
)

func newTestTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, tp
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[string]interface{} {
	attrs := make(map[string]interface{})
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	return attrs
}

func TestTracing_CreatesSpan(t *testing.T) {
	sr, tp := newTestTracer(t)
	mw := middleware.TracingWithTracer(tp.Tracer("test"))

	j := &job.Job{
		ID:         id.NewJobID(),
		Name:       "timer-fire",
		TenantID:   "alfresco",
		RetryCount: 2,
	}

	err := mw(context.Background(), j, func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "tenancy.job.execute" {
		t.Errorf("span name = %q, want tenancy.job.execute", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("span status = %v, want Ok", span.Status().Code)
	}

	attrs := spanAttrs(span)
	if attrs["tenancy.job.id"] != j.ID.String() {
		t.Errorf("tenancy.job.id = %v, want %s", attrs["tenancy.job.id"], j.ID)
	}
	if attrs["tenancy.job.name"] != "timer-fire" {
		t.Errorf("tenancy.job.name = %v, want timer-fire", attrs["tenancy.job.name"])
	}
	if attrs["tenancy.tenant_id"] != "alfresco" {
		t.Errorf("tenancy.tenant_id = %v, want alfresco", attrs["tenancy.tenant_id"])
	}
	if attrs["tenancy.retry_count"] != int64(2) {
		t.Errorf("tenancy.retry_count = %v, want 2", attrs["tenancy.retry_count"])
	}
}

func TestTracing_RecordsError(t *testing.T) {
	sr, tp := newTestTracer(t)
	mw := middleware.TracingWithTracer(tp.Tracer("test"))

	j := &job.Job{ID: id.NewJobID(), Name: "failing", TenantID: "acme"}
	want := errors.New("handler failed")

	err := mw(context.Background(), j, func(_ context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error back, got %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", status.Code)
	}
	if status.Description != "handler failed" {
		t.Errorf("status description = %q, want %q", status.Description, "handler failed")
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}

func TestTracing_ContextPropagation(t *testing.T) {
	_, tp := newTestTracer(t)
	mw := middleware.TracingWithTracer(tp.Tracer("test"))

	j := &job.Job{ID: id.NewJobID(), Name: "propagating", TenantID: "acme"}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		// The handler should see the span context so nested spans
		// parent correctly.
		_, child := tp.Tracer("test").Start(ctx, "child")
		child.End()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
