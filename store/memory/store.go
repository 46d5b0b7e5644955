// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development, as the
// in-process analog of a throwaway per-tenant database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/process"
)

// Compile-time checks per subsystem so failures stay local.
var (
	_ job.Store     = (*Store)(nil)
	_ process.Store = (*Store)(nil)
	_ dead.Store    = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store for one tenant.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	deadJobs  map[string]*dead.Entry
	instances map[string]*process.Instance
	tasks     map[string]*process.Task

	// deployments preserves insertion order so LatestDefinition can
	// walk from newest to oldest.
	deployments []*process.Deployment

	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		deadJobs:  make(map[string]*dead.Entry),
		instances: make(map[string]*process.Instance),
		tasks:     make(map[string]*process.Task),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Every subsequent data operation
// returns ErrStoreClosed, matching a closed database handle.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	cp := *j
	m.jobs[j.ID.String()] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, tenancy.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	if _, ok := m.jobs[j.ID.String()]; !ok {
		return tenancy.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID.String()] = &cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	if _, ok := m.jobs[jobID.String()]; !ok {
		return tenancy.ErrJobNotFound
	}
	delete(m.jobs, jobID.String())
	return nil
}

// DueJobs returns jobs due at or before the given time whose lock is
// absent or expired, ordered by DueAt ascending.
func (m *Store) DueJobs(_ context.Context, before time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.DueAt.After(before) {
			continue
		}
		if j.Locked(before) {
			continue
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].DueAt.Before(candidates[k].DueAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		cp := *j
		result[i] = &cp
	}
	return result, nil
}

// TryLockJob atomically claims the job for owner, conditioned on the
// current lock being absent or expired as of now.
func (m *Store) TryLockJob(_ context.Context, jobID id.JobID, owner string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, tenancy.ErrStoreClosed
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, tenancy.ErrJobNotFound
	}
	if j.Locked(now) {
		return false, nil
	}

	u := until
	j.LockOwner = owner
	j.LockedUntil = &u
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// UnlockJob clears the job's lock.
func (m *Store) UnlockJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return tenancy.ErrJobNotFound
	}
	j.Unlock()
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseLocks clears every lock held by owner.
func (m *Store) ReleaseLocks(_ context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, tenancy.ErrStoreClosed
	}

	var released int64
	for _, j := range m.jobs {
		if j.LockOwner == owner {
			j.Unlock()
			j.UpdatedAt = time.Now().UTC()
			released++
		}
	}
	return released, nil
}

// CountJobs returns the number of jobs in the store.
func (m *Store) CountJobs(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, tenancy.ErrStoreClosed
	}
	return int64(len(m.jobs)), nil
}

// ──────────────────────────────────────────────────
// Process store
// ──────────────────────────────────────────────────

// CreateDeployment persists a deployment and its definitions.
func (m *Store) CreateDeployment(_ context.Context, d *process.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	cp := *d
	cp.Definitions = append([]process.Definition(nil), d.Definitions...)
	m.deployments = append(m.deployments, &cp)
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (m *Store) GetDeployment(_ context.Context, deploymentID id.DeploymentID) (*process.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	for _, d := range m.deployments {
		if d.ID.String() == deploymentID.String() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, tenancy.ErrDeploymentNotFound
}

// LatestDefinition returns the newest deployed definition for a key.
func (m *Store) LatestDefinition(_ context.Context, key string) (*process.Definition, id.DeploymentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, id.Nil, tenancy.ErrStoreClosed
	}

	for i := len(m.deployments) - 1; i >= 0; i-- {
		d := m.deployments[i]
		for k := range d.Definitions {
			if d.Definitions[k].Key == key {
				cp := d.Definitions[k]
				return &cp, d.ID, nil
			}
		}
	}
	return nil, id.Nil, tenancy.ErrDefinitionNotFound
}

// CreateInstance persists a new process instance.
func (m *Store) CreateInstance(_ context.Context, inst *process.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	cp := *inst
	m.instances[inst.ID.String()] = &cp
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, instanceID id.InstanceID) (*process.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return nil, tenancy.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

// UpdateInstance persists changes to an existing instance.
func (m *Store) UpdateInstance(_ context.Context, inst *process.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	if _, ok := m.instances[inst.ID.String()]; !ok {
		return tenancy.ErrInstanceNotFound
	}
	cp := *inst
	cp.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID.String()] = &cp
	return nil
}

// EndInstance marks the instance ended at the given time.
func (m *Store) EndInstance(_ context.Context, instanceID id.InstanceID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return tenancy.ErrInstanceNotFound
	}
	t := at
	inst.EndedAt = &t
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// DecrementPendingTimers atomically decrements the instance's
// pending-timer count, never below zero, and returns the remaining
// count.
func (m *Store) DecrementPendingTimers(_ context.Context, instanceID id.InstanceID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, tenancy.ErrStoreClosed
	}

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return 0, tenancy.ErrInstanceNotFound
	}
	if inst.PendingTimers > 0 {
		inst.PendingTimers--
		inst.UpdatedAt = time.Now().UTC()
	}
	return inst.PendingTimers, nil
}

// CountActiveInstances returns the number of instances not yet ended.
func (m *Store) CountActiveInstances(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, tenancy.ErrStoreClosed
	}

	var n int64
	for _, inst := range m.instances {
		if inst.Active() {
			n++
		}
	}
	return n, nil
}

// CreateTask persists a new open task.
func (m *Store) CreateTask(_ context.Context, task *process.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	cp := *task
	m.tasks[task.ID.String()] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*process.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	task, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, tenancy.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

// DeleteTask removes a task.
func (m *Store) DeleteTask(_ context.Context, taskID id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	if _, ok := m.tasks[taskID.String()]; !ok {
		return tenancy.ErrTaskNotFound
	}
	delete(m.tasks, taskID.String())
	return nil
}

// ListTasks returns open tasks matching the given options, ordered by
// creation time ascending.
func (m *Store) ListTasks(_ context.Context, opts process.TaskListOpts) ([]*process.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	result := make([]*process.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !opts.InstanceID.IsNil() && task.InstanceID.String() != opts.InstanceID.String() {
			continue
		}
		cp := *task
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountTasks returns the number of open tasks for an instance, or all
// open tasks when instanceID is nil.
func (m *Store) CountTasks(_ context.Context, instanceID id.InstanceID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, tenancy.ErrStoreClosed
	}

	var n int64
	for _, task := range m.tasks {
		if instanceID.IsNil() || task.InstanceID.String() == instanceID.String() {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Dead-job store
// ──────────────────────────────────────────────────

// PushDead adds a dead-job entry.
func (m *Store) PushDead(_ context.Context, entry *dead.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	cp := *entry
	m.deadJobs[entry.ID.String()] = &cp
	return nil
}

// ListDead returns entries ordered by FailedAt descending.
func (m *Store) ListDead(_ context.Context, opts dead.ListOpts) ([]*dead.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	result := make([]*dead.Entry, 0, len(m.deadJobs))
	for _, entry := range m.deadJobs {
		cp := *entry
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// GetDead retrieves an entry by ID.
func (m *Store) GetDead(_ context.Context, entryID id.DeadJobID) (*dead.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, tenancy.ErrStoreClosed
	}

	entry, ok := m.deadJobs[entryID.String()]
	if !ok {
		return nil, tenancy.ErrDeadJobNotFound
	}
	cp := *entry
	return &cp, nil
}

// MarkReplayed records that an entry was replayed.
func (m *Store) MarkReplayed(_ context.Context, entryID id.DeadJobID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tenancy.ErrStoreClosed
	}

	entry, ok := m.deadJobs[entryID.String()]
	if !ok {
		return tenancy.ErrDeadJobNotFound
	}
	t := at
	entry.ReplayedAt = &t
	return nil
}

// PurgeDead removes entries with FailedAt before the given time.
func (m *Store) PurgeDead(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, tenancy.ErrStoreClosed
	}

	var purged int64
	for key, entry := range m.deadJobs {
		if entry.FailedAt.Before(before) {
			delete(m.deadJobs, key)
			purged++
		}
	}
	return purged, nil
}

// CountDead returns the total number of dead-job entries.
func (m *Store) CountDead(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, tenancy.ErrStoreClosed
	}
	return int64(len(m.deadJobs)), nil
}
