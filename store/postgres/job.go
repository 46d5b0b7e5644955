package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
)

const jobColumns = `id, tenant_id, user_id, name, instance_id, payload,
	due_at, repeat, lock_owner, locked_until,
	retry_count, max_retries, last_error, timeout,
	created_at, updated_at`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenancy_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		j.ID.String(), j.TenantID, j.UserID, j.Name, j.InstanceID.String(), j.Payload,
		j.DueAt, j.Repeat, j.LockOwner, j.LockedUntil,
		j.RetryCount, j.MaxRetries, j.LastError, j.Timeout.Nanoseconds(),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM tenancy_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrJobNotFound
		}
		return nil, fmt.Errorf("tenancy/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenancy_jobs SET
			tenant_id = $2, user_id = $3, name = $4, instance_id = $5, payload = $6,
			due_at = $7, repeat = $8, lock_owner = $9, locked_until = $10,
			retry_count = $11, max_retries = $12, last_error = $13, timeout = $14,
			updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(),
		j.TenantID, j.UserID, j.Name, j.InstanceID.String(), j.Payload,
		j.DueAt, j.Repeat, j.LockOwner, j.LockedUntil,
		j.RetryCount, j.MaxRetries, j.LastError, j.Timeout.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tenancy_jobs WHERE id = $1`, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrJobNotFound
	}
	return nil
}

// DueJobs returns jobs due at or before the given time whose lock is
// absent or expired, ordered by DueAt ascending.
func (s *Store) DueJobs(ctx context.Context, before time.Time, limit int) ([]*job.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM tenancy_jobs
		WHERE due_at <= $1
		  AND (lock_owner = '' OR locked_until IS NULL OR locked_until <= $1)
		ORDER BY due_at ASC`
	args := []any{before}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenancy/postgres: due jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// TryLockJob atomically claims the job for owner via a conditional
// UPDATE. The WHERE clause re-checks the lock so executors racing on
// the same job resolve to exactly one winner.
func (s *Store) TryLockJob(ctx context.Context, jobID id.JobID, owner string, now, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenancy_jobs SET
			lock_owner = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1
		  AND (lock_owner = '' OR locked_until IS NULL OR locked_until <= $4)`,
		jobID.String(), owner, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("tenancy/postgres: try lock job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Lost the claim, or no such job. Distinguish for the caller.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenancy_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("tenancy/postgres: try lock job: %w", err)
	}
	if !exists {
		return false, tenancy.ErrJobNotFound
	}
	return false, nil
}

// UnlockJob clears the job's lock.
func (s *Store) UnlockJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenancy_jobs SET
			lock_owner = '', locked_until = NULL, updated_at = NOW()
		WHERE id = $1`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: unlock job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrJobNotFound
	}
	return nil
}

// ReleaseLocks clears every lock held by owner.
func (s *Store) ReleaseLocks(ctx context.Context, owner string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenancy_jobs SET
			lock_owner = '', locked_until = NULL, updated_at = NOW()
		WHERE lock_owner = $1`,
		owner,
	)
	if err != nil {
		return 0, fmt.Errorf("tenancy/postgres: release locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountJobs returns the number of jobs in the store.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenancy_jobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenancy/postgres: count jobs: %w", err)
	}
	return count, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		instanceStr string
		timeoutNs   int64
	)
	err := row.Scan(
		&idStr, &j.TenantID, &j.UserID, &j.Name, &instanceStr, &j.Payload,
		&j.DueAt, &j.Repeat, &j.LockOwner, &j.LockedUntil,
		&j.RetryCount, &j.MaxRetries, &j.LastError, &timeoutNs,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsed

	if instanceStr != "" {
		if inst, instErr := id.Parse(instanceStr); instErr == nil {
			j.InstanceID = inst
		}
	}

	j.Timeout = time.Duration(timeoutNs)
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("tenancy/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
