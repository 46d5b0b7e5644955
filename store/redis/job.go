package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
)

// dueScore is the Sorted Set score for a due time. Millisecond
// precision keeps scores exactly representable as float64; exact
// boundary checks happen in Go against the decoded job.
func dueScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// CreateJob stores the job blob and indexes it by due time.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	raw, err := encodeJob(j)
	if err != nil {
		return err
	}

	jID := j.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(jID), raw, 0)
	pipe.ZAdd(ctx, jobsDueKey, goredis.Z{Score: dueScore(j.DueAt), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, tenancy.ErrJobNotFound
		}
		return nil, fmt.Errorf("tenancy/redis: get job: %w", err)
	}
	return decodeJob(raw)
}

// UpdateJob persists changes to an existing job and refreshes its due
// index entry.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("tenancy/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return tenancy.ErrJobNotFound
	}

	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	raw, err := encodeJob(&cp)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(jID), raw, 0)
	pipe.ZAdd(ctx, jobsDueKey, goredis.Z{Score: dueScore(j.DueAt), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("tenancy/redis: delete job exists: %w", err)
	}
	if exists == 0 {
		return tenancy.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.ZRem(ctx, jobsDueKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: delete job: %w", err)
	}
	return nil
}

// DueJobs returns jobs due at or before the given time whose lock is
// absent or expired, ordered by DueAt ascending. The Sorted Set range
// over-fetches by one millisecond of score rounding; the decoded jobs
// are filtered exactly.
func (s *Store) DueJobs(ctx context.Context, before time.Time, limit int) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, jobsDueKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli()+1, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: due jobs range: %w", err)
	}

	var jobs []*job.Job
	for _, jID := range ids {
		raw, getErr := s.client.Get(ctx, jobKey(jID)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("tenancy/redis: due jobs get: %w", getErr)
		}

		j, decErr := decodeJob(raw)
		if decErr != nil {
			return nil, decErr
		}
		if j.DueAt.After(before) || j.Locked(before) {
			continue
		}

		jobs = append(jobs, j)
		if limit > 0 && len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

// TryLockJob atomically claims the job for owner using an optimistic
// WATCH transaction. A concurrent writer aborts the transaction, which
// reads as a lost claim.
func (s *Store) TryLockJob(ctx context.Context, jobID id.JobID, owner string, now, until time.Time) (bool, error) {
	key := jobKey(jobID.String())
	acquired := false

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, getErr := tx.Get(ctx, key).Bytes()
		if getErr != nil {
			return getErr
		}

		j, decErr := decodeJob(raw)
		if decErr != nil {
			return decErr
		}
		if j.Locked(now) {
			return nil
		}

		u := until
		j.LockOwner = owner
		j.LockedUntil = &u
		j.UpdatedAt = time.Now().UTC()

		updated, encErr := encodeJob(j)
		if encErr != nil {
			return encErr
		}

		_, pipeErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if pipeErr != nil {
			return pipeErr
		}

		acquired = true
		return nil
	}, key)

	switch {
	case errors.Is(err, goredis.Nil):
		return false, tenancy.ErrJobNotFound
	case errors.Is(err, goredis.TxFailedErr):
		// Another executor touched the job mid-claim.
		return false, nil
	case err != nil:
		return false, fmt.Errorf("tenancy/redis: try lock job: %w", err)
	}
	return acquired, nil
}

// UnlockJob clears the job's lock.
func (s *Store) UnlockJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	j.Unlock()
	return s.UpdateJob(ctx, j)
}

// ReleaseLocks clears every lock held by owner.
func (s *Store) ReleaseLocks(ctx context.Context, owner string) (int64, error) {
	ids, err := s.client.ZRange(ctx, jobsDueKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("tenancy/redis: release locks range: %w", err)
	}

	var released int64
	for _, jID := range ids {
		raw, getErr := s.client.Get(ctx, jobKey(jID)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return released, fmt.Errorf("tenancy/redis: release locks get: %w", getErr)
		}

		j, decErr := decodeJob(raw)
		if decErr != nil {
			return released, decErr
		}
		if j.LockOwner != owner {
			continue
		}

		j.Unlock()
		if upErr := s.UpdateJob(ctx, j); upErr != nil {
			return released, upErr
		}
		released++
	}
	return released, nil
}

// CountJobs returns the number of jobs in the store.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, jobsDueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("tenancy/redis: count jobs: %w", err)
	}
	return n, nil
}
