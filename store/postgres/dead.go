package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/id"
)

const deadColumns = `id, job_id, tenant_id, job_name, instance_id, payload,
	error, retry_count, max_retries, failed_at, replayed_at, created_at`

// PushDead adds a dead-job entry.
func (s *Store) PushDead(ctx context.Context, entry *dead.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenancy_dead_jobs (`+deadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID.String(), entry.JobID.String(), entry.TenantID, entry.JobName,
		entry.InstanceID.String(), entry.Payload,
		entry.Error, entry.RetryCount, entry.MaxRetries,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: push dead job: %w", err)
	}
	return nil
}

// ListDead returns entries ordered by FailedAt descending.
func (s *Store) ListDead(ctx context.Context, opts dead.ListOpts) ([]*dead.Entry, error) {
	query := `
		SELECT ` + deadColumns + ` FROM tenancy_dead_jobs
		ORDER BY failed_at DESC, id DESC`
	var args []any
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenancy/postgres: list dead jobs: %w", err)
	}
	defer rows.Close()

	var entries []*dead.Entry
	for rows.Next() {
		entry, scanErr := scanDead(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("tenancy/postgres: scan dead job row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy/postgres: iterate dead job rows: %w", err)
	}
	return entries, nil
}

// GetDead retrieves an entry by ID.
func (s *Store) GetDead(ctx context.Context, entryID id.DeadJobID) (*dead.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadColumns+` FROM tenancy_dead_jobs WHERE id = $1`,
		entryID.String(),
	)

	entry, err := scanDead(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrDeadJobNotFound
		}
		return nil, fmt.Errorf("tenancy/postgres: get dead job: %w", err)
	}
	return entry, nil
}

// MarkReplayed records that an entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadJobID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenancy_dead_jobs SET replayed_at = $2 WHERE id = $1`,
		entryID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrDeadJobNotFound
	}
	return nil
}

// PurgeDead removes entries with FailedAt before the given time.
func (s *Store) PurgeDead(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tenancy_dead_jobs WHERE failed_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("tenancy/postgres: purge dead jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDead returns the total number of dead-job entries.
func (s *Store) CountDead(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenancy_dead_jobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenancy/postgres: count dead jobs: %w", err)
	}
	return count, nil
}

func scanDead(row pgx.Row) (*dead.Entry, error) {
	var (
		entry   dead.Entry
		idStr   string
		jobStr  string
		instStr string
	)
	err := row.Scan(
		&idStr, &jobStr, &entry.TenantID, &entry.JobName, &instStr, &entry.Payload,
		&entry.Error, &entry.RetryCount, &entry.MaxRetries,
		&entry.FailedAt, &entry.ReplayedAt, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/postgres: parse dead job id %q: %w", idStr, parseErr)
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
	return &entry, nil
}
