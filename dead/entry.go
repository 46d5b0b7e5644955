package dead

import (
	"time"

	"github.com/xraph/tenancy/id"
)

// Entry represents a job that has exhausted its retry budget and been
// moved out of normal scheduling for inspection or replay.
type Entry struct {
	ID         id.DeadJobID  `json:"id"`
	JobID      id.JobID      `json:"job_id"`
	TenantID   string        `json:"tenant_id"`
	JobName    string        `json:"job_name"`
	InstanceID id.InstanceID `json:"instance_id,omitempty"`
	Payload    []byte        `json:"payload,omitempty"`
	Error      string        `json:"error"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	FailedAt   time.Time     `json:"failed_at"`
	ReplayedAt *time.Time    `json:"replayed_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
