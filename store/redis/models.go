package redis

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/process"
)

// Records mirror the domain types with IDs flattened to strings so
// msgpack does not have to know about the TypeID internals.

// ── Job record ────────────────────────────────────────────────────

type jobRecord struct {
	ID          string         `msgpack:"id"`
	TenantID    string         `msgpack:"tenant_id"`
	UserID      string         `msgpack:"user_id"`
	Name        string         `msgpack:"name"`
	InstanceID  string         `msgpack:"instance_id"`
	Payload     []byte         `msgpack:"payload"`
	DueAt       time.Time      `msgpack:"due_at"`
	Repeat      string         `msgpack:"repeat"`
	LockOwner   string         `msgpack:"lock_owner"`
	LockedUntil *time.Time     `msgpack:"locked_until"`
	RetryCount  int            `msgpack:"retry_count"`
	MaxRetries  int            `msgpack:"max_retries"`
	LastError   string         `msgpack:"last_error"`
	TimeoutNs   int64          `msgpack:"timeout_ns"`
	CreatedAt   time.Time      `msgpack:"created_at"`
	UpdatedAt   time.Time      `msgpack:"updated_at"`
}

func encodeJob(j *job.Job) ([]byte, error) {
	rec := jobRecord{
		ID:          j.ID.String(),
		TenantID:    j.TenantID,
		UserID:      j.UserID,
		Name:        j.Name,
		InstanceID:  j.InstanceID.String(),
		Payload:     j.Payload,
		DueAt:       j.DueAt,
		Repeat:      j.Repeat,
		LockOwner:   j.LockOwner,
		LockedUntil: j.LockedUntil,
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		LastError:   j.LastError,
		TimeoutNs:   j.Timeout.Nanoseconds(),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	return msgpack.Marshal(&rec)
}

func decodeJob(raw []byte) (*job.Job, error) {
	var rec jobRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("tenancy/redis: decode job: %w", err)
	}

	parsed, err := id.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: parse job id %q: %w", rec.ID, err)
	}

	j := &job.Job{
		ID:          parsed,
		TenantID:    rec.TenantID,
		UserID:      rec.UserID,
		Name:        rec.Name,
		Payload:     rec.Payload,
		DueAt:       rec.DueAt,
		Repeat:      rec.Repeat,
		LockOwner:   rec.LockOwner,
		LockedUntil: rec.LockedUntil,
		RetryCount:  rec.RetryCount,
		MaxRetries:  rec.MaxRetries,
		LastError:   rec.LastError,
		Timeout:     time.Duration(rec.TimeoutNs),
	}
	j.CreatedAt = rec.CreatedAt
	j.UpdatedAt = rec.UpdatedAt

	if rec.InstanceID != "" {
		if inst, instErr := id.Parse(rec.InstanceID); instErr == nil {
			j.InstanceID = inst
		}
	}
	return j, nil
}

// ── Deployment record ─────────────────────────────────────────────

type deploymentRecord struct {
	ID          string               `msgpack:"id"`
	TenantID    string               `msgpack:"tenant_id"`
	DeployedBy  string               `msgpack:"deployed_by"`
	Definitions []process.Definition `msgpack:"definitions"`
	CreatedAt   time.Time            `msgpack:"created_at"`
	UpdatedAt   time.Time            `msgpack:"updated_at"`
}

func encodeDeployment(d *process.Deployment) ([]byte, error) {
	rec := deploymentRecord{
		ID:          d.ID.String(),
		TenantID:    d.TenantID,
		DeployedBy:  d.DeployedBy,
		Definitions: d.Definitions,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	return msgpack.Marshal(&rec)
}

func decodeDeployment(raw []byte) (*process.Deployment, error) {
	var rec deploymentRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("tenancy/redis: decode deployment: %w", err)
	}

	parsed, err := id.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: parse deployment id %q: %w", rec.ID, err)
	}

	d := &process.Deployment{
		ID:          parsed,
		TenantID:    rec.TenantID,
		DeployedBy:  rec.DeployedBy,
		Definitions: rec.Definitions,
	}
	d.CreatedAt = rec.CreatedAt
	d.UpdatedAt = rec.UpdatedAt
	return d, nil
}

// ── Instance record ───────────────────────────────────────────────

type instanceRecord struct {
	ID            string         `msgpack:"id"`
	TenantID      string         `msgpack:"tenant_id"`
	DeploymentID  string         `msgpack:"deployment_id"`
	ProcessKey    string         `msgpack:"process_key"`
	StartedBy     string         `msgpack:"started_by"`
	Variables     map[string]any `msgpack:"variables"`
	StartedAt     time.Time      `msgpack:"started_at"`
	EndedAt       *time.Time     `msgpack:"ended_at"`
	PendingTimers int            `msgpack:"pending_timers"`
	CreatedAt     time.Time      `msgpack:"created_at"`
	UpdatedAt     time.Time      `msgpack:"updated_at"`
}

func encodeInstance(inst *process.Instance) ([]byte, error) {
	rec := instanceRecord{
		ID:            inst.ID.String(),
		TenantID:      inst.TenantID,
		DeploymentID:  inst.DeploymentID.String(),
		ProcessKey:    inst.ProcessKey,
		StartedBy:     inst.StartedBy,
		Variables:     inst.Variables,
		StartedAt:     inst.StartedAt,
		EndedAt:       inst.EndedAt,
		PendingTimers: inst.PendingTimers,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
	return msgpack.Marshal(&rec)
}

func decodeInstance(raw []byte) (*process.Instance, error) {
	var rec instanceRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("tenancy/redis: decode instance: %w", err)
	}

	parsed, err := id.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: parse instance id %q: %w", rec.ID, err)
	}

	inst := &process.Instance{
		ID:            parsed,
		TenantID:      rec.TenantID,
		ProcessKey:    rec.ProcessKey,
		StartedBy:     rec.StartedBy,
		Variables:     rec.Variables,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		PendingTimers: rec.PendingTimers,
	}
	inst.CreatedAt = rec.CreatedAt
	inst.UpdatedAt = rec.UpdatedAt

	if rec.DeploymentID != "" {
		if dep, depErr := id.Parse(rec.DeploymentID); depErr == nil {
			inst.DeploymentID = dep
		}
	}
	return inst, nil
}

// ── Task record ───────────────────────────────────────────────────

type taskRecord struct {
	ID         string    `msgpack:"id"`
	TenantID   string    `msgpack:"tenant_id"`
	InstanceID string    `msgpack:"instance_id"`
	Name       string    `msgpack:"name"`
	Assignee   string    `msgpack:"assignee"`
	CreatedAt  time.Time `msgpack:"created_at"`
	UpdatedAt  time.Time `msgpack:"updated_at"`
}

func encodeTask(task *process.Task) ([]byte, error) {
	rec := taskRecord{
		ID:         task.ID.String(),
		TenantID:   task.TenantID,
		InstanceID: task.InstanceID.String(),
		Name:       task.Name,
		Assignee:   task.Assignee,
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
	}
	return msgpack.Marshal(&rec)
}

func decodeTask(raw []byte) (*process.Task, error) {
	var rec taskRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("tenancy/redis: decode task: %w", err)
	}

	parsed, err := id.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: parse task id %q: %w", rec.ID, err)
	}

	task := &process.Task{
		ID:       parsed,
		TenantID: rec.TenantID,
		Name:     rec.Name,
		Assignee: rec.Assignee,
	}
	task.CreatedAt = rec.CreatedAt
	task.UpdatedAt = rec.UpdatedAt

	if rec.InstanceID != "" {
		if inst, instErr := id.Parse(rec.InstanceID); instErr == nil {
			task.InstanceID = inst
		}
	}
	return task, nil
}

// ── Dead-job record ───────────────────────────────────────────────

type deadRecord struct {
	ID         string     `msgpack:"id"`
	JobID      string     `msgpack:"job_id"`
	TenantID   string     `msgpack:"tenant_id"`
	JobName    string     `msgpack:"job_name"`
	InstanceID string     `msgpack:"instance_id"`
	Payload    []byte     `msgpack:"payload"`
	Error      string     `msgpack:"error"`
	RetryCount int        `msgpack:"retry_count"`
	MaxRetries int        `msgpack:"max_retries"`
	FailedAt   time.Time  `msgpack:"failed_at"`
	ReplayedAt *time.Time `msgpack:"replayed_at"`
	CreatedAt  time.Time  `msgpack:"created_at"`
}

func encodeDead(entry *dead.Entry) ([]byte, error) {
	rec := deadRecord{
		ID:         entry.ID.String(),
		JobID:      entry.JobID.String(),
		TenantID:   entry.TenantID,
		JobName:    entry.JobName,
		InstanceID: entry.InstanceID.String(),
		Payload:    entry.Payload,
		Error:      entry.Error,
		RetryCount: entry.RetryCount,
		MaxRetries: entry.MaxRetries,
		FailedAt:   entry.FailedAt,
		ReplayedAt: entry.ReplayedAt,
		CreatedAt:  entry.CreatedAt,
	}
	return msgpack.Marshal(&rec)
}

func decodeDead(raw []byte) (*dead.Entry, error) {
	var rec deadRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("tenancy/redis: decode dead job: %w", err)
	}

	parsed, err := id.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: parse dead job id %q: %w", rec.ID, err)
	}

	entry := &dead.Entry{
		ID:         parsed,
		TenantID:   rec.TenantID,
		JobName:    rec.JobName,
		Payload:    rec.Payload,
		Error:      rec.Error,
		RetryCount: rec.RetryCount,
		MaxRetries: rec.MaxRetries,
		FailedAt:   rec.FailedAt,
		ReplayedAt: rec.ReplayedAt,
		CreatedAt:  rec.CreatedAt,
	}

	if rec.JobID != "" {
		if jid, jErr := id.Parse(rec.JobID); jErr == nil {
			entry.JobID = jid
		}
	}
	if rec.InstanceID != "" {
		if inst, instErr := id.Parse(rec.InstanceID); instErr == nil {
			entry.InstanceID = inst
		}
	}
	return entry, nil
}
