package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/process"
)

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "tenant.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := s.Close(); closeErr != nil {
			t.Logf("close store: %v", closeErr)
		}
	})

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func newJob(name string, due time.Time) *job.Job {
	return &job.Job{
		Entity:     tenancy.NewEntity(),
		ID:         id.NewJobID(),
		TenantID:   "acme",
		Name:       name,
		DueAt:      due,
		MaxRetries: 3,
	}
}

func TestOpenInMemory(t *testing.T) {
	t.Parallel()
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()
	s := setupStore(t)

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	j := newJob("timer-fire", base)
	j.UserID = "raphael"
	j.InstanceID = id.NewInstanceID()
	j.Payload = []byte(`{"timerName":"escalate"}`)
	j.Repeat = "@every 1h"
	j.Timeout = 30 * time.Second

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "timer-fire" || got.TenantID != "acme" || got.UserID != "raphael" {
		t.Fatalf("got %+v, want fields of original", got)
	}
	if got.InstanceID.String() != j.InstanceID.String() {
		t.Fatalf("instance id: got %s, want %s", got.InstanceID, j.InstanceID)
	}
	if !got.DueAt.Equal(base) {
		t.Fatalf("due at: got %v, want %v", got.DueAt, base)
	}
	if got.Repeat != "@every 1h" || got.Timeout != 30*time.Second {
		t.Fatalf("repeat/timeout not preserved: %+v", got)
	}
	if string(got.Payload) != `{"timerName":"escalate"}` {
		t.Fatalf("payload: got %q", got.Payload)
	}

	got.RetryCount = 2
	got.LastError = "boom"
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	again, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob after update: %v", err)
	}
	if again.RetryCount != 2 || again.LastError != "boom" {
		t.Fatalf("update not persisted: %+v", again)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, tenancy.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobNotFoundErrors(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()
	missing := id.NewJobID()

	if err := s.UpdateJob(ctx, &job.Job{ID: missing}); !errors.Is(err, tenancy.ErrJobNotFound) {
		t.Fatalf("UpdateJob: got %v, want ErrJobNotFound", err)
	}
	if err := s.DeleteJob(ctx, missing); !errors.Is(err, tenancy.ErrJobNotFound) {
		t.Fatalf("DeleteJob: got %v, want ErrJobNotFound", err)
	}
	if err := s.UnlockJob(ctx, missing); !errors.Is(err, tenancy.ErrJobNotFound) {
		t.Fatalf("UnlockJob: got %v, want ErrJobNotFound", err)
	}
	if _, err := s.TryLockJob(ctx, missing, "exec-1", base, base.Add(time.Minute)); !errors.Is(err, tenancy.ErrJobNotFound) {
		t.Fatalf("TryLockJob: got %v, want ErrJobNotFound", err)
	}
}

func TestDueJobsOrderingAndLimit(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	late := newJob("late", base.Add(2*time.Minute))
	early := newJob("early", base)
	future := newJob("future", base.Add(time.Hour))
	for _, j := range []*job.Job{late, early, future} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.Name, err)
		}
	}

	due, err := s.DueJobs(ctx, base.Add(5*time.Minute), 0)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due jobs, want 2", len(due))
	}
	if due[0].Name != "early" || due[1].Name != "late" {
		t.Fatalf("wrong order: %s, %s", due[0].Name, due[1].Name)
	}

	limited, err := s.DueJobs(ctx, base.Add(5*time.Minute), 1)
	if err != nil {
		t.Fatalf("DueJobs limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Name != "early" {
		t.Fatalf("limit: got %d jobs, first %q", len(limited), limited[0].Name)
	}
}

func TestDueJobsInclusiveBoundary(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	j := newJob("exact", base)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	due, err := s.DueJobs(ctx, base, 0)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("job due exactly at the boundary should be returned, got %d", len(due))
	}
}

func TestTryLockJobContention(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	j := newJob("contended", base)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	until := base.Add(5 * time.Minute)
	ok, err := s.TryLockJob(ctx, j.ID, "exec-1", base, until)
	if err != nil || !ok {
		t.Fatalf("first TryLockJob: ok=%v err=%v", ok, err)
	}

	// Second claimant loses while the lock is live.
	ok, err = s.TryLockJob(ctx, j.ID, "exec-2", base.Add(time.Minute), until.Add(time.Minute))
	if err != nil {
		t.Fatalf("second TryLockJob: %v", err)
	}
	if ok {
		t.Fatal("second claimant acquired a live lock")
	}

	// Locked jobs are hidden from DueJobs.
	due, err := s.DueJobs(ctx, base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("locked job visible in DueJobs: %d", len(due))
	}

	// Past expiry the claim succeeds again.
	ok, err = s.TryLockJob(ctx, j.ID, "exec-2", until, until.Add(5*time.Minute))
	if err != nil || !ok {
		t.Fatalf("TryLockJob after expiry: ok=%v err=%v", ok, err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.LockOwner != "exec-2" {
		t.Fatalf("lock owner: got %q, want exec-2", got.LockOwner)
	}
}

func TestUnlockAndReleaseLocks(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	first := newJob("first", base)
	second := newJob("second", base)
	other := newJob("other", base)
	for _, j := range []*job.Job{first, second, other} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.Name, err)
		}
	}

	until := base.Add(5 * time.Minute)
	for _, j := range []*job.Job{first, second} {
		if ok, err := s.TryLockJob(ctx, j.ID, "exec-1", base, until); err != nil || !ok {
			t.Fatalf("TryLockJob %s: ok=%v err=%v", j.Name, ok, err)
		}
	}
	if ok, err := s.TryLockJob(ctx, other.ID, "exec-2", base, until); err != nil || !ok {
		t.Fatalf("TryLockJob other: ok=%v err=%v", ok, err)
	}

	if err := s.UnlockJob(ctx, first.ID); err != nil {
		t.Fatalf("UnlockJob: %v", err)
	}
	got, err := s.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.LockOwner != "" || got.LockedUntil != nil {
		t.Fatalf("unlock did not clear lock: %+v", got)
	}

	released, err := s.ReleaseLocks(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ReleaseLocks: %v", err)
	}
	if released != 1 {
		t.Fatalf("released %d locks, want 1", released)
	}

	// exec-2's lock is untouched.
	got, err = s.GetJob(ctx, other.ID)
	if err != nil {
		t.Fatalf("GetJob other: %v", err)
	}
	if got.LockOwner != "exec-2" {
		t.Fatalf("foreign lock released: %+v", got)
	}
}

func TestCountJobs(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.CreateJob(ctx, newJob("bulk", base)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	n, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d jobs, want 3", n)
	}
}

func TestDeploymentAndLatestDefinition(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	v1 := &process.Deployment{
		Entity:     tenancy.Entity{CreatedAt: base, UpdatedAt: base},
		ID:         id.NewDeploymentID(),
		TenantID:   "acme",
		DeployedBy: "raphael",
		Definitions: []process.Definition{
			{Key: "intake", Name: "Intake v1", UserTasks: []string{"verify order"}},
		},
	}
	v2 := &process.Deployment{
		Entity:   tenancy.Entity{CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)},
		ID:       id.NewDeploymentID(),
		TenantID: "acme",
		Definitions: []process.Definition{
			{Key: "intake", Name: "Intake v2", UserTasks: []string{"verify order", "pack order"}},
			{Key: "returns", Timers: []process.Timer{{Name: "remind", Delay: time.Hour}}},
		},
	}
	for _, d := range []*process.Deployment{v1, v2} {
		if err := s.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("CreateDeployment: %v", err)
		}
	}

	got, err := s.GetDeployment(ctx, v1.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.DeployedBy != "raphael" || len(got.Definitions) != 1 {
		t.Fatalf("got %+v, want v1 deployment", got)
	}

	def, depID, err := s.LatestDefinition(ctx, "intake")
	if err != nil {
		t.Fatalf("LatestDefinition: %v", err)
	}
	if def.Name != "Intake v2" || depID.String() != v2.ID.String() {
		t.Fatalf("got %q from %s, want Intake v2 from %s", def.Name, depID, v2.ID)
	}

	def, _, err = s.LatestDefinition(ctx, "returns")
	if err != nil {
		t.Fatalf("LatestDefinition returns: %v", err)
	}
	if len(def.Timers) != 1 || def.Timers[0].Name != "remind" {
		t.Fatalf("timers not preserved: %+v", def)
	}

	if _, _, err := s.LatestDefinition(ctx, "ghost"); !errors.Is(err, tenancy.ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	inst := &process.Instance{
		Entity:        tenancy.NewEntity(),
		ID:            id.NewInstanceID(),
		TenantID:      "alfresco",
		DeploymentID:  id.NewDeploymentID(),
		ProcessKey:    "escalation",
		StartedBy:     "joram",
		Variables:     map[string]any{"priority": "high"},
		StartedAt:     base,
		PendingTimers: 1,
	}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.ProcessKey != "escalation" || got.PendingTimers != 1 || !got.Active() {
		t.Fatalf("got %+v, want active escalation instance", got)
	}
	if got.Variables["priority"] != "high" {
		t.Fatalf("variables not preserved: %+v", got.Variables)
	}

	got.PendingTimers = 0
	if err := s.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	n, err := s.CountActiveInstances(ctx)
	if err != nil {
		t.Fatalf("CountActiveInstances: %v", err)
	}
	if n != 1 {
		t.Fatalf("active instances: got %d, want 1", n)
	}

	endAt := base.Add(2 * time.Hour)
	if err := s.EndInstance(ctx, inst.ID, endAt); err != nil {
		t.Fatalf("EndInstance: %v", err)
	}

	got, err = s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance after end: %v", err)
	}
	if got.Active() || !got.EndedAt.Equal(endAt) {
		t.Fatalf("instance not ended at %v: %+v", endAt, got)
	}

	n, err = s.CountActiveInstances(ctx)
	if err != nil {
		t.Fatalf("CountActiveInstances after end: %v", err)
	}
	if n != 0 {
		t.Fatalf("active instances after end: got %d, want 0", n)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	instA := id.NewInstanceID()
	instB := id.NewInstanceID()

	review := &process.Task{
		Entity:     tenancy.Entity{CreatedAt: base, UpdatedAt: base},
		ID:         id.NewTaskID(),
		TenantID:   "alfresco",
		InstanceID: instA,
		Name:       "review request",
		Assignee:   "joram",
	}
	verify := &process.Task{
		Entity:     tenancy.Entity{CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)},
		ID:         id.NewTaskID(),
		TenantID:   "alfresco",
		InstanceID: instB,
		Name:       "verify order",
	}
	for _, task := range []*process.Task{review, verify} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask %s: %v", task.Name, err)
		}
	}

	got, err := s.GetTask(ctx, review.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != "review request" || got.Assignee != "joram" {
		t.Fatalf("got %+v, want review task", got)
	}

	all, err := s.ListTasks(ctx, process.TaskListOpts{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 2 || all[0].Name != "review request" {
		t.Fatalf("ListTasks: got %d tasks, first %q", len(all), all[0].Name)
	}

	scoped, err := s.ListTasks(ctx, process.TaskListOpts{InstanceID: instB})
	if err != nil {
		t.Fatalf("ListTasks scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Name != "verify order" {
		t.Fatalf("scoped list wrong: %+v", scoped)
	}

	n, err := s.CountTasks(ctx, instA)
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountTasks instA: got %d, want 1", n)
	}

	if err := s.DeleteTask(ctx, review.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, review.ID); !errors.Is(err, tenancy.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	n, err = s.CountTasks(ctx, id.Nil)
	if err != nil {
		t.Fatalf("CountTasks all: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountTasks all: got %d, want 1", n)
	}
}

func TestDeadJobLifecycle(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	older := &dead.Entry{
		ID:         id.NewDeadJobID(),
		JobID:      id.NewJobID(),
		TenantID:   "acme",
		JobName:    "timer-fire",
		Payload:    []byte(`{}`),
		Error:      "handler failed",
		RetryCount: 3,
		MaxRetries: 3,
		FailedAt:   base,
		CreatedAt:  base,
	}
	newer := &dead.Entry{
		ID:       id.NewDeadJobID(),
		JobID:    id.NewJobID(),
		TenantID: "acme",
		JobName:  "timer-fire",
		Error:    "handler failed again",
		FailedAt: base.Add(time.Hour),
		CreatedAt: base.Add(time.Hour),
	}
	for _, e := range []*dead.Entry{older, newer} {
		if err := s.PushDead(ctx, e); err != nil {
			t.Fatalf("PushDead: %v", err)
		}
	}

	entries, err := s.ListDead(ctx, dead.ListOpts{})
	if err != nil {
		t.Fatalf("ListDead: %v", err)
	}
	if len(entries) != 2 || !entries[0].FailedAt.Equal(newer.FailedAt) {
		t.Fatalf("ListDead order wrong: %+v", entries)
	}

	paged, err := s.ListDead(ctx, dead.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListDead paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID.String() != older.ID.String() {
		t.Fatalf("pagination wrong: %+v", paged)
	}

	got, err := s.GetDead(ctx, older.ID)
	if err != nil {
		t.Fatalf("GetDead: %v", err)
	}
	if got.Error != "handler failed" || got.RetryCount != 3 {
		t.Fatalf("got %+v, want original entry", got)
	}

	replayAt := base.Add(2 * time.Hour)
	if err := s.MarkReplayed(ctx, older.ID, replayAt); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}
	got, err = s.GetDead(ctx, older.ID)
	if err != nil {
		t.Fatalf("GetDead after replay: %v", err)
	}
	if got.ReplayedAt == nil || !got.ReplayedAt.Equal(replayAt) {
		t.Fatalf("replayed_at not set: %+v", got)
	}

	purged, err := s.PurgeDead(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("PurgeDead: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d entries, want 1", purged)
	}

	n, err := s.CountDead(ctx)
	if err != nil {
		t.Fatalf("CountDead: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountDead: got %d, want 1", n)
	}

	if _, err := s.GetDead(ctx, id.NewDeadJobID()); !errors.Is(err, tenancy.ErrDeadJobNotFound) {
		t.Fatalf("expected ErrDeadJobNotFound, got %v", err)
	}
}

func TestDecrementPendingTimers(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	inst := &process.Instance{
		Entity:        tenancy.NewEntity(),
		ID:            id.NewInstanceID(),
		TenantID:      "alfresco",
		DeploymentID:  id.NewDeploymentID(),
		ProcessKey:    "escalation",
		StartedBy:     "joram",
		StartedAt:     base,
		PendingTimers: 2,
	}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	remaining, err := s.DecrementPendingTimers(ctx, inst.ID)
	if err != nil || remaining != 1 {
		t.Fatalf("first decrement = %d, %v, want 1, nil", remaining, err)
	}
	remaining, err = s.DecrementPendingTimers(ctx, inst.ID)
	if err != nil || remaining != 0 {
		t.Fatalf("second decrement = %d, %v, want 0, nil", remaining, err)
	}

	// At zero the count stays put.
	remaining, err = s.DecrementPendingTimers(ctx, inst.ID)
	if err != nil || remaining != 0 {
		t.Fatalf("decrement at zero = %d, %v, want 0, nil", remaining, err)
	}

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.PendingTimers != 0 {
		t.Fatalf("PendingTimers = %d, want 0", got.PendingTimers)
	}

	if _, err := s.DecrementPendingTimers(ctx, id.NewInstanceID()); !errors.Is(err, tenancy.ErrInstanceNotFound) {
		t.Fatalf("unknown instance: %v, want ErrInstanceNotFound", err)
	}
}
