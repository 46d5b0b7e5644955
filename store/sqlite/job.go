package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenancy_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.TenantID, j.UserID, j.Name, j.InstanceID.String(), j.Payload,
		timeNs(j.DueAt), j.Repeat, j.LockOwner, nullNs(j.LockedUntil),
		j.RetryCount, j.MaxRetries, j.LastError, j.Timeout.Nanoseconds(),
		timeNs(j.CreatedAt), timeNs(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM tenancy_jobs WHERE id = ?`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrJobNotFound
		}
		return nil, fmt.Errorf("tenancy/sqlite: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenancy_jobs SET
			tenant_id = ?, user_id = ?, name = ?, instance_id = ?, payload = ?,
			due_at = ?, repeat = ?, lock_owner = ?, locked_until = ?,
			retry_count = ?, max_retries = ?, last_error = ?, timeout = ?,
			updated_at = ?
		WHERE id = ?`,
		j.TenantID, j.UserID, j.Name, j.InstanceID.String(), j.Payload,
		timeNs(j.DueAt), j.Repeat, j.LockOwner, nullNs(j.LockedUntil),
		j.RetryCount, j.MaxRetries, j.LastError, j.Timeout.Nanoseconds(),
		timeNs(time.Now().UTC()),
		j.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tenancy_jobs WHERE id = ?`, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.ErrJobNotFound
	}
	return nil
}

// DueJobs returns jobs due at or before the given time whose lock is
// absent or expired, ordered by DueAt ascending.
func (s *Store) DueJobs(ctx context.Context, before time.Time, limit int) ([]*job.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM tenancy_jobs
		WHERE due_at <= ?
		  AND (lock_owner = '' OR locked_until IS NULL OR locked_until <= ?)
		ORDER BY due_at ASC`
	args := []any{timeNs(before), timeNs(before)}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenancy/sqlite: due jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// TryLockJob atomically claims the job for owner via a conditional
// UPDATE. The WHERE clause re-checks the lock so two executors racing
// on the same job resolve to exactly one winner.
func (s *Store) TryLockJob(ctx context.Context, jobID id.JobID, owner string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenancy_jobs SET
			lock_owner = ?, locked_until = ?, updated_at = ?
		WHERE id = ?
		  AND (lock_owner = '' OR locked_until IS NULL OR locked_until <= ?)`,
		owner, timeNs(until), timeNs(time.Now().UTC()),
		jobID.String(), timeNs(now),
	)
	if err != nil {
		return false, fmt.Errorf("tenancy/sqlite: try lock job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Lost the claim, or no such job. Distinguish for the caller.
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenancy_jobs WHERE id = ?)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("tenancy/sqlite: try lock job: %w", err)
	}
	if !exists {
		return false, tenancy.ErrJobNotFound
	}
	return false, nil
}

// UnlockJob clears the job's lock.
func (s *Store) UnlockJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenancy_jobs SET
			lock_owner = '', locked_until = NULL, updated_at = ?
		WHERE id = ?`,
		timeNs(time.Now().UTC()), jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: unlock job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.ErrJobNotFound
	}
	return nil
}

// ReleaseLocks clears every lock held by owner.
func (s *Store) ReleaseLocks(ctx context.Context, owner string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenancy_jobs SET
			lock_owner = '', locked_until = NULL, updated_at = ?
		WHERE lock_owner = ?`,
		timeNs(time.Now().UTC()), owner,
	)
	if err != nil {
		return 0, fmt.Errorf("tenancy/sqlite: release locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountJobs returns the number of jobs in the store.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenancy_jobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenancy/sqlite: count jobs: %w", err)
	}
	return count, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans a single job row.
func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		instanceStr string
		dueNs       int64
		lockedNs    sql.NullInt64
		timeoutNs   int64
		createdNs   int64
		updatedNs   int64
	)
	err := row.Scan(
		&idStr, &j.TenantID, &j.UserID, &j.Name, &instanceStr, &j.Payload,
		&dueNs, &j.Repeat, &j.LockOwner, &lockedNs,
		&j.RetryCount, &j.MaxRetries, &j.LastError, &timeoutNs,
		&createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/sqlite: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsed

	if instanceStr != "" {
		if inst, instErr := id.Parse(instanceStr); instErr == nil {
			j.InstanceID = inst
		}
	}

	j.DueAt = nsTime(dueNs)
	j.LockedUntil = nsPtr(lockedNs)
	j.Timeout = time.Duration(timeoutNs)
	j.CreatedAt = nsTime(createdNs)
	j.UpdatedAt = nsTime(updatedNs)

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("tenancy/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}
