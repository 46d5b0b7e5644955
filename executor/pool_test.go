package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
)

func testPoolLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func poolJob(tenantID string) *job.Job {
	return &job.Job{ID: id.NewJobID(), TenantID: tenantID, Name: "noop"}
}

func TestPool_RunsSubmittedJobs(t *testing.T) {
	var ran atomic.Int64
	p := NewPool(2, 10, func(_ string, _ *job.Job) { ran.Add(1) }, testPoolLogger())

	for range 5 {
		if !p.Submit("alfresco", poolJob("alfresco")) {
			t.Fatal("submit rejected with free capacity")
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := ran.Load(); got != 5 {
		t.Fatalf("ran = %d, want 5", got)
	}
}

func TestPool_SubmitNonBlockingWhenFull(t *testing.T) {
	block := make(chan struct{})
	var started atomic.Int64
	p := NewPool(1, 1, func(_ string, _ *job.Job) {
		started.Add(1)
		<-block
	}, testPoolLogger())

	// Fill the single worker.
	if !p.Submit("alfresco", poolJob("alfresco")) {
		t.Fatal("first submit should succeed")
	}
	waitForPool(t, func() bool { return started.Load() == 1 })

	// Fill the single queue slot.
	if !p.Submit("alfresco", poolJob("alfresco")) {
		t.Fatal("second submit should land in the queue")
	}

	// Queue full: must return false immediately, not block.
	done := make(chan bool, 1)
	go func() { done <- p.Submit("alfresco", poolJob("alfresco")) }()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("submit succeeded with a full queue")
		}
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full queue")
	}

	close(block)
	_ = p.Stop(context.Background())
}

func TestPool_SubmitAfterStopRejected(t *testing.T) {
	p := NewPool(1, 1, func(_ string, _ *job.Job) {}, testPoolLogger())
	_ = p.Stop(context.Background())

	if p.Submit("alfresco", poolJob("alfresco")) {
		t.Fatal("submit should fail after Stop")
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var ran atomic.Int64
	p := NewPool(1, 10, func(_ string, _ *job.Job) {
		time.Sleep(time.Millisecond)
		ran.Add(1)
	}, testPoolLogger())

	for range 8 {
		p.Submit("alfresco", poolJob("alfresco"))
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := ran.Load(); got != 8 {
		t.Fatalf("ran = %d, want all 8 drained before Stop returned", got)
	}
}

func TestPool_StopHonorsDeadline(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 1, func(_ string, _ *job.Job) { <-block }, testPoolLogger())
	p.Submit("alfresco", poolJob("alfresco"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err == nil {
		t.Fatal("expected deadline error from Stop with a stuck worker")
	}
	close(block)
}

func TestTenantDispatcher_LazyPoolPerTenant(t *testing.T) {
	var mu sync.Mutex
	ranFor := map[string]int{}
	d := NewTenantDispatcher(1, 4, func(tenantID string, _ *job.Job) {
		mu.Lock()
		ranFor[tenantID]++
		mu.Unlock()
	}, testPoolLogger())

	d.Submit("alfresco", poolJob("alfresco"))
	d.Submit("acme", poolJob("acme"))
	d.Submit("acme", poolJob("acme"))

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ranFor["alfresco"] != 1 || ranFor["acme"] != 2 {
		t.Fatalf("unexpected distribution: %v", ranFor)
	}
}

func TestTenantDispatcher_SubmitAfterStopRejected(t *testing.T) {
	d := NewTenantDispatcher(1, 1, func(_ string, _ *job.Job) {}, testPoolLogger())
	_ = d.Stop(context.Background())
	if d.Submit("alfresco", poolJob("alfresco")) {
		t.Fatal("submit should fail after Stop")
	}
}

func waitForPool(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
