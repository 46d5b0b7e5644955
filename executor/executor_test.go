package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/backoff"
	"github.com/xraph/tenancy/clock"
	"github.com/xraph/tenancy/executor"
	"github.com/xraph/tenancy/hook"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/limit"
	"github.com/xraph/tenancy/store/memory"
	"github.com/xraph/tenancy/tenant"
)

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() tenancy.Config {
	cfg := tenancy.DefaultConfig()
	cfg.AcquireInterval = 5 * time.Millisecond
	cfg.LockDuration = 5 * time.Minute
	cfg.PoolSize = 2
	cfg.QueueCapacity = 10
	return cfg
}

func newTestJob(tenantID, name string, dueAt time.Time) *job.Job {
	j := &job.Job{
		ID:         id.NewJobID(),
		TenantID:   tenantID,
		Name:       name,
		DueAt:      dueAt,
		MaxRetries: 3,
	}
	j.CreatedAt = dueAt
	j.UpdatedAt = dueAt
	return j
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExecutor_RunsDueJob(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	if err := reg.Register("alfresco", st); err != nil {
		t.Fatalf("register: %v", err)
	}

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var ran atomic.Int64
	handlers.Register("timer-fire", func(_ context.Context, _ *job.Job) error {
		ran.Add(1)
		return nil
	})

	j := newTestJob("alfresco", "timer-fire", base)
	if err := st.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}

	e := executor.New(testConfig(), reg, handlers,
		executor.WithClock(clk),
		executor.WithBackoff(backoff.None{}),
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })

	// Completed jobs leave the store.
	waitFor(t, time.Second, func() bool {
		n, err := st.CountJobs(context.Background())
		return err == nil && n == 0
	})
}

func TestExecutor_JobNotDueUntilClockAdvances(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var ran atomic.Int64
	handlers.Register("timer-fire", func(_ context.Context, _ *job.Job) error {
		ran.Add(1)
		return nil
	})

	// Due two hours from the engine's current time.
	j := newTestJob("alfresco", "timer-fire", base.Add(2*time.Hour))
	_ = st.CreateJob(context.Background(), j)

	e := executor.New(testConfig(), reg, handlers, executor.WithClock(clk))
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	// Real time passes, engine time does not: the job must not run.
	time.Sleep(50 * time.Millisecond)
	if got := ran.Load(); got != 0 {
		t.Fatalf("job ran %d times before its due time", got)
	}

	// Jump the engine clock past the due time.
	clk.Advance(2*time.Hour + time.Minute)
	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })
}

func TestExecutor_TenantScopeOnHandlerContext(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("acme", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var gotTenant, gotUser atomic.Value
	handlers.Register("timer-fire", func(ctx context.Context, _ *job.Job) error {
		if tid, ok := tenant.TenantFrom(ctx); ok {
			gotTenant.Store(tid)
		}
		if uid, ok := tenant.UserFrom(ctx); ok {
			gotUser.Store(uid)
		}
		return nil
	})

	j := newTestJob("acme", "timer-fire", base)
	j.UserID = "raphael"
	_ = st.CreateJob(context.Background(), j)

	e := executor.New(testConfig(), reg, handlers, executor.WithClock(clk))
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return gotTenant.Load() != nil })
	if got := gotTenant.Load(); got != "acme" {
		t.Errorf("handler saw tenant %v, want acme", got)
	}
	waitFor(t, time.Second, func() bool { return gotUser.Load() != nil })
	if got := gotUser.Load(); got != "raphael" {
		t.Errorf("handler saw user %v, want raphael", got)
	}
}

func TestExecutor_RetriesThenDead(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var attempts atomic.Int64
	handlers.Register("always-fails", func(_ context.Context, _ *job.Job) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	j := newTestJob("alfresco", "always-fails", base)
	j.MaxRetries = 2
	_ = st.CreateJob(context.Background(), j)

	hooks := hook.NewRegistry(testLogger())
	deadSeen := &deadHook{}
	hooks.Register(deadSeen)

	e := executor.New(testConfig(), reg, handlers,
		executor.WithClock(clk),
		executor.WithBackoff(backoff.None{}), // zero delay keeps the job due
		executor.WithHooks(hooks),
	)
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	// 1 first run + 2 retries, then dead.
	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == 3 })
	waitFor(t, 2*time.Second, func() bool {
		n, err := st.CountDead(context.Background())
		return err == nil && n == 1
	})
	if n, _ := st.CountJobs(context.Background()); n != 0 {
		t.Fatalf("dead job still in job store, count=%d", n)
	}
	waitFor(t, time.Second, func() bool { return deadSeen.count.Load() == 1 })
}

func TestExecutor_LockedJobNotDoubleRun(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var ran atomic.Int64
	handlers.Register("timer-fire", func(_ context.Context, _ *job.Job) error {
		ran.Add(1)
		return nil
	})

	// Another executor holds the lock until well past "now".
	j := newTestJob("alfresco", "timer-fire", base)
	_ = st.CreateJob(context.Background(), j)
	if won, err := st.TryLockJob(context.Background(), j.ID, "other-executor", base, base.Add(time.Hour)); err != nil || !won {
		t.Fatalf("seed lock: won=%v err=%v", won, err)
	}

	e := executor.New(testConfig(), reg, handlers, executor.WithClock(clk))
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	if got := ran.Load(); got != 0 {
		t.Fatalf("locked job ran %d times", got)
	}

	// Once the foreign lock expires the job is fair game again.
	clk.Advance(2 * time.Hour)
	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })
}

func TestExecutor_DynamicTenantPickedUp(t *testing.T) {
	reg := tenant.NewRegistry()
	stA := memory.New()
	_ = reg.Register("alfresco", stA)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var mu sync.Mutex
	ranFor := map[string]int{}
	handlers.Register("timer-fire", func(_ context.Context, j *job.Job) error {
		mu.Lock()
		ranFor[j.TenantID]++
		mu.Unlock()
		return nil
	})

	e := executor.New(testConfig(), reg, handlers, executor.WithClock(clk))
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	// Onboard dailyplanet while the executor is live.
	stD := memory.New()
	if err := reg.Register("dailyplanet", stD); err != nil {
		t.Fatalf("register dailyplanet: %v", err)
	}
	j := newTestJob("dailyplanet", "timer-fire", base)
	_ = stD.CreateJob(context.Background(), j)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ranFor["dailyplanet"] == 1
	})
}

func TestExecutor_PerTenantPools(t *testing.T) {
	reg := tenant.NewRegistry()
	stA := memory.New()
	stB := memory.New()
	_ = reg.Register("alfresco", stA)
	_ = reg.Register("acme", stB)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var ran atomic.Int64
	handlers.Register("timer-fire", func(_ context.Context, _ *job.Job) error {
		ran.Add(1)
		return nil
	})

	_ = stA.CreateJob(context.Background(), newTestJob("alfresco", "timer-fire", base))
	_ = stB.CreateJob(context.Background(), newTestJob("acme", "timer-fire", base))

	cfg := testConfig()
	cfg.PoolShape = tenancy.PoolPerTenant
	e := executor.New(cfg, reg, handlers, executor.WithClock(clk))
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return ran.Load() == 2 })
}

func TestExecutor_SaturatedQueueSkipsAndRetries(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()

	release := make(chan struct{})
	var started, finished atomic.Int64
	handlers.Register("blocker", func(_ context.Context, _ *job.Job) error {
		started.Add(1)
		<-release
		finished.Add(1)
		return nil
	})

	// One worker, queue of one: the third job cannot be placed.
	cfg := testConfig()
	cfg.PoolSize = 1
	cfg.QueueCapacity = 1
	for range 3 {
		_ = st.CreateJob(context.Background(), newTestJob("alfresco", "blocker", base))
	}

	e := executor.New(cfg, reg, handlers, executor.WithClock(clk))

	// First manual sweep: one job per queue slot plus whatever a worker
	// already pulled; at least one of the three must be rejected and
	// unlocked.
	acquired, failed := e.Sweep(context.Background())
	if failed {
		t.Fatal("sweep reported total failure")
	}
	if acquired < 1 || acquired > 2 {
		t.Fatalf("acquired = %d, want 1 or 2", acquired)
	}
	waitFor(t, time.Second, func() bool { return started.Load() == 1 })

	// Rejected jobs are unlocked, so later sweeps claim them once
	// capacity frees up.
	close(release)
	waitFor(t, time.Second, func() bool { return finished.Load() == int64(acquired) })

	waitFor(t, 2*time.Second, func() bool {
		_, _ = e.Sweep(context.Background())
		return finished.Load() == 3
	})

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestExecutor_TenantLimitUnlocksJob(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()

	release := make(chan struct{})
	var finished atomic.Int64
	handlers.Register("blocker", func(_ context.Context, _ *job.Job) error {
		<-release
		finished.Add(1)
		return nil
	})

	limits := limit.NewManager(limit.Config{TenantID: "alfresco", MaxConcurrency: 1})

	cfg := testConfig()
	cfg.PoolSize = 4
	for range 2 {
		_ = st.CreateJob(context.Background(), newTestJob("alfresco", "blocker", base))
	}

	e := executor.New(cfg, reg, handlers,
		executor.WithClock(clk),
		executor.WithLimits(limits),
	)

	acquired, _ := e.Sweep(context.Background())
	if acquired != 1 {
		t.Fatalf("acquired = %d, want 1 (tenant capped at 1)", acquired)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return finished.Load() == 1 })

	// The capped job was unlocked; the next sweep claims it.
	waitFor(t, time.Second, func() bool {
		n, _ := e.Sweep(context.Background())
		return n == 1
	})
	waitFor(t, time.Second, func() bool { return finished.Load() == 2 })

	_ = e.Stop(context.Background())
}

func TestExecutor_StallsAfterConsecutiveFailures(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)
	_ = st.Close() // every sweep now fails

	clk := clock.NewSettableAt(base)
	cfg := testConfig()
	cfg.MaxSweepFailures = 3

	hooks := hook.NewRegistry(testLogger())
	stalled := &stallHook{}
	hooks.Register(stalled)

	e := executor.New(cfg, reg, job.NewRegistry(),
		executor.WithClock(clk),
		executor.WithHooks(hooks),
	)
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return stalled.count.Load() == 1 })
	waitFor(t, time.Second, func() bool { return !e.Running() })
}

func TestExecutor_StopReleasesLocks(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	handlers.Register("timer-fire", func(_ context.Context, _ *job.Job) error { return nil })

	e := executor.New(testConfig(), reg, handlers, executor.WithClock(clk))

	// Lock a job as this executor, simulating an in-flight claim, then
	// stop: the lock must be gone afterwards.
	j := newTestJob("alfresco", "timer-fire", base.Add(time.Hour))
	_ = st.CreateJob(context.Background(), j)
	if won, err := st.TryLockJob(context.Background(), j.ID, e.ID().String(), base, base.Add(time.Hour)); err != nil || !won {
		t.Fatalf("seed lock: won=%v err=%v", won, err)
	}

	_ = e.Start(context.Background())
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := st.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.LockOwner != "" || got.LockedUntil != nil {
		t.Fatalf("lock not released: owner=%q until=%v", got.LockOwner, got.LockedUntil)
	}
}

func TestExecutor_RepeatingJobRescheduled(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var ran atomic.Int64
	handlers.Register("heartbeat", func(_ context.Context, _ *job.Job) error {
		ran.Add(1)
		return nil
	})

	j := newTestJob("alfresco", "heartbeat", base)
	j.Repeat = "@every 1h"
	_ = st.CreateJob(context.Background(), j)

	e := executor.New(testConfig(), reg, handlers, executor.WithClock(clk))
	_ = e.Start(context.Background())
	defer e.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })

	// Repeating jobs survive their run, pushed out to the next cycle.
	waitFor(t, time.Second, func() bool {
		got, err := st.GetJob(context.Background(), j.ID)
		return err == nil && got.DueAt.After(base) && got.LockOwner == ""
	})

	clk.Advance(2 * time.Hour)
	waitFor(t, time.Second, func() bool { return ran.Load() == 2 })
}

// ──────────────────────────────────────────────────
// Test hooks
// ──────────────────────────────────────────────────

type deadHook struct {
	count atomic.Int64
}

func (h *deadHook) Name() string { return "dead-seen" }

func (h *deadHook) OnJobDead(_ context.Context, _ *job.Job, _ error) error {
	h.count.Add(1)
	return nil
}

type stallHook struct {
	count atomic.Int64
}

func (h *stallHook) Name() string { return "stall-seen" }

func (h *stallHook) OnExecutorStalled(_ context.Context, _ int) error {
	h.count.Add(1)
	return nil
}

func TestExecutor_StartAfterStop(t *testing.T) {
	reg := tenant.NewRegistry()
	st := memory.New()
	_ = reg.Register("alfresco", st)

	clk := clock.NewSettableAt(base)
	handlers := job.NewRegistry()
	var ran atomic.Int64
	handlers.Register("timer-fire", func(_ context.Context, _ *job.Job) error {
		ran.Add(1)
		return nil
	})

	e := executor.New(testConfig(), reg, handlers,
		executor.WithClock(clk),
		executor.WithBackoff(backoff.None{}),
	)

	_ = st.CreateJob(context.Background(), newTestJob("alfresco", "timer-fire", base))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if e.Running() {
		t.Fatal("executor still running after stop")
	}

	// A second run must come up cleanly and process new work through a
	// fresh worker pool.
	_ = st.CreateJob(context.Background(), newTestJob("alfresco", "timer-fire", base))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !e.Running() {
		t.Fatal("executor not running after restart")
	}
	waitFor(t, time.Second, func() bool { return ran.Load() == 2 })

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	// Stopping twice is safe.
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("repeated stop: %v", err)
	}
}
