package dead

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tenancy/clock"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
)

// Service provides high-level dead-job operations over one tenant's
// stores.
type Service struct {
	store    Store
	jobStore job.Store
	clk      clock.Clock
}

// NewService creates a dead-job service. A nil clock falls back to the
// system clock.
func NewService(store Store, jobStore job.Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{store: store, jobStore: jobStore, clk: clk}
}

// Push builds an Entry from a failed job and persists it.
// The error string is captured from the original handler error.
func (s *Service) Push(ctx context.Context, j *job.Job, jobErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:         id.NewDeadJobID(),
		JobID:      j.ID,
		TenantID:   j.TenantID,
		JobName:    j.Name,
		InstanceID: j.InstanceID,
		Payload:    j.Payload,
		Error:      jobErr.Error(),
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		FailedAt:   now,
		CreatedAt:  now,
	}
	return s.store.PushDead(ctx, entry)
}

// Replay re-enqueues a dead job with a fresh retry budget, due
// immediately on the engine clock, and marks the entry replayed.
func (s *Service) Replay(ctx context.Context, entryID id.DeadJobID) (*job.Job, error) {
	entry, err := s.store.GetDead(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	j := &job.Job{
		ID:         id.NewJobID(),
		TenantID:   entry.TenantID,
		Name:       entry.JobName,
		InstanceID: entry.InstanceID,
		Payload:    entry.Payload,
		DueAt:      now,
		MaxRetries: entry.MaxRetries,
	}
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt

	if err := s.jobStore.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("replay dead job %s: %w", entryID, err)
	}
	if err := s.store.MarkReplayed(ctx, entryID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return j, nil
}

// DeadStore returns the underlying store for direct access to List,
// Get, Purge, and Count operations.
func (s *Service) DeadStore() Store {
	return s.store
}
