package job

import (
	"context"
	"time"

	"github.com/xraph/tenancy/id"
)

// Store defines the per-tenant persistence contract for jobs.
// A Store handle belongs to exactly one tenant and is never shared.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// DueJobs returns up to limit jobs with DueAt <= before that are not
	// currently locked, or whose lock expired at or before `before`.
	// Ordered by DueAt ascending. Zero limit means no limit.
	DueJobs(ctx context.Context, before time.Time, limit int) ([]*Job, error)

	// TryLockJob atomically claims the job for owner until the given
	// time, conditioned on the current lock being absent or expired as
	// of now. The caller supplies now from the engine clock; stores
	// never consult the wall clock. Returns false (and no error) when
	// the claim is lost to a concurrent executor, a benign outcome
	// rather than a failure.
	TryLockJob(ctx context.Context, jobID id.JobID, owner string, now, until time.Time) (bool, error)

	// UnlockJob clears the job's lock so it is eligible again.
	UnlockJob(ctx context.Context, jobID id.JobID) error

	// ReleaseLocks clears every lock held by owner and returns how many
	// were released. Called on shutdown so another executor can recover
	// jobs without waiting for lock expiry.
	ReleaseLocks(ctx context.Context, owner string) (int64, error)

	// CountJobs returns the number of jobs in the store.
	CountJobs(ctx context.Context) (int64, error)
}
