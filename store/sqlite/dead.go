package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/id"
)

const deadColumns = `id, job_id, tenant_id, job_name, instance_id, payload,
	error, retry_count, max_retries, failed_at, replayed_at, created_at`

// PushDead adds a dead-job entry.
func (s *Store) PushDead(ctx context.Context, entry *dead.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenancy_dead_jobs (`+deadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.JobID.String(), entry.TenantID, entry.JobName,
		entry.InstanceID.String(), entry.Payload,
		entry.Error, entry.RetryCount, entry.MaxRetries,
		timeNs(entry.FailedAt), nullNs(entry.ReplayedAt), timeNs(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: push dead job: %w", err)
	}
	return nil
}

// ListDead returns entries ordered by FailedAt descending.
func (s *Store) ListDead(ctx context.Context, opts dead.ListOpts) ([]*dead.Entry, error) {
	query := `
		SELECT ` + deadColumns + ` FROM tenancy_dead_jobs
		ORDER BY failed_at DESC, id DESC`
	var args []any

	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			// SQLite requires LIMIT before OFFSET; -1 means unlimited.
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenancy/sqlite: list dead jobs: %w", err)
	}
	defer rows.Close()

	var entries []*dead.Entry
	for rows.Next() {
		entry, scanErr := scanDead(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("tenancy/sqlite: scan dead job row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy/sqlite: iterate dead job rows: %w", err)
	}
	return entries, nil
}

// GetDead retrieves an entry by ID.
func (s *Store) GetDead(ctx context.Context, entryID id.DeadJobID) (*dead.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deadColumns+` FROM tenancy_dead_jobs WHERE id = ?`,
		entryID.String(),
	)

	entry, err := scanDead(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrDeadJobNotFound
		}
		return nil, fmt.Errorf("tenancy/sqlite: get dead job: %w", err)
	}
	return entry, nil
}

// MarkReplayed records that an entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadJobID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenancy_dead_jobs SET replayed_at = ? WHERE id = ?`,
		timeNs(at), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: mark replayed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.ErrDeadJobNotFound
	}
	return nil
}

// PurgeDead removes entries with FailedAt before the given time.
func (s *Store) PurgeDead(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tenancy_dead_jobs WHERE failed_at < ?`,
		timeNs(before),
	)
	if err != nil {
		return 0, fmt.Errorf("tenancy/sqlite: purge dead jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountDead returns the total number of dead-job entries.
func (s *Store) CountDead(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenancy_dead_jobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenancy/sqlite: count dead jobs: %w", err)
	}
	return count, nil
}

func scanDead(row rowScanner) (*dead.Entry, error) {
	var (
		entry      dead.Entry
		idStr      string
		jobStr     string
		instStr    string
		failedNs   int64
		replayedNs sql.NullInt64
		createdNs  int64
	)
	err := row.Scan(
		&idStr, &jobStr, &entry.TenantID, &entry.JobName, &instStr, &entry.Payload,
		&entry.Error, &entry.RetryCount, &entry.MaxRetries,
		&failedNs, &replayedNs, &createdNs,
	)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/sqlite: parse dead job id %q: %w", idStr, parseErr)
	}
	entry.ID = parsed

	if jobStr != "" {
		if jid, jErr := id.Parse(jobStr); jErr == nil {
			entry.JobID = jid
		}
	}
	if instStr != "" {
		if inst, instErr := id.Parse(instStr); instErr == nil {
			entry.InstanceID = inst
		}
	}

	entry.FailedAt = nsTime(failedNs)
	entry.ReplayedAt = nsPtr(replayedNs)
	entry.CreatedAt = nsTime(createdNs)
	return &entry, nil
}
