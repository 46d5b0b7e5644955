package job

import (
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/id"
)

// Job represents a unit of asynchronous work owned by exactly one tenant.
// Jobs live in the owning tenant's store and are only ever locked,
// executed, and deleted against that store.
type Job struct {
	tenancy.Entity

	ID         id.JobID      `json:"id"`
	TenantID   string        `json:"tenant_id"`
	UserID     string        `json:"user_id,omitempty"`
	Name       string        `json:"name"`
	InstanceID id.InstanceID `json:"instance_id,omitempty"`
	Payload    []byte        `json:"payload,omitempty"`

	// DueAt is when the job becomes eligible for acquisition, compared
	// against the engine clock, never the wall clock.
	DueAt time.Time `json:"due_at"`

	// Repeat is an optional cron expression. A repeating job is
	// rescheduled to its next occurrence after a successful run instead
	// of being deleted.
	Repeat string `json:"repeat,omitempty"`

	// LockOwner is the executor holding this job, empty when unlocked.
	// LockedUntil bounds the claim; past it the job is treated as
	// unlocked again (sole recovery path for crashed workers).
	LockOwner   string     `json:"lock_owner,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	LastError  string        `json:"last_error,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Locked reports whether the job holds an unexpired lock at the given time.
func (j *Job) Locked(at time.Time) bool {
	return j.LockOwner != "" && j.LockedUntil != nil && j.LockedUntil.After(at)
}

// Unlock clears the lock fields in memory. Persist with Store.UpdateJob
// or Store.UnlockJob.
func (j *Job) Unlock() {
	j.LockOwner = ""
	j.LockedUntil = nil
}
