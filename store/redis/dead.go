package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/id"
)

// PushDead stores the entry blob and indexes it by failure time.
func (s *Store) PushDead(ctx context.Context, entry *dead.Entry) error {
	raw, err := encodeDead(entry)
	if err != nil {
		return err
	}

	eID := entry.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deadKey(eID), raw, 0)
	pipe.ZAdd(ctx, deadIndexKey, goredis.Z{
		Score:  float64(entry.FailedAt.UnixMilli()),
		Member: eID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: push dead job: %w", err)
	}
	return nil
}

// ListDead returns entries ordered by FailedAt descending. Pagination
// maps directly onto the Sorted Set rank range.
func (s *Store) ListDead(ctx context.Context, opts dead.ListOpts) ([]*dead.Entry, error) {
	start := int64(opts.Offset)
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = start + int64(opts.Limit) - 1
	}

	ids, err := s.client.ZRevRange(ctx, deadIndexKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: list dead jobs: %w", err)
	}

	var entries []*dead.Entry
	for _, eID := range ids {
		raw, getErr := s.client.Get(ctx, deadKey(eID)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("tenancy/redis: list dead jobs get: %w", getErr)
		}

		entry, decErr := decodeDead(raw)
		if decErr != nil {
			return nil, decErr
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetDead retrieves an entry by ID.
func (s *Store) GetDead(ctx context.Context, entryID id.DeadJobID) (*dead.Entry, error) {
	raw, err := s.client.Get(ctx, deadKey(entryID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, tenancy.ErrDeadJobNotFound
		}
		return nil, fmt.Errorf("tenancy/redis: get dead job: %w", err)
	}
	return decodeDead(raw)
}

// MarkReplayed records that an entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadJobID, at time.Time) error {
	entry, err := s.GetDead(ctx, entryID)
	if err != nil {
		return err
	}

	t := at
	entry.ReplayedAt = &t

	raw, err := encodeDead(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, deadKey(entryID.String()), raw, 0).Err(); err != nil {
		return fmt.Errorf("tenancy/redis: mark replayed: %w", err)
	}
	return nil
}

// PurgeDead removes entries with FailedAt before the given time. The
// score range over-selects by one millisecond of rounding; each entry
// is verified against the exact failure time before deletion.
func (s *Store) PurgeDead(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, deadIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("tenancy/redis: purge dead jobs range: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		raw, getErr := s.client.Get(ctx, deadKey(eID)).Bytes()
		if getErr != nil && !errors.Is(getErr, goredis.Nil) {
			return purged, fmt.Errorf("tenancy/redis: purge dead jobs get: %w", getErr)
		}
		if getErr == nil {
			entry, decErr := decodeDead(raw)
			if decErr != nil {
				return purged, decErr
			}
			if !entry.FailedAt.Before(before) {
				continue
			}
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, deadKey(eID))
		pipe.ZRem(ctx, deadIndexKey, eID)
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return purged, fmt.Errorf("tenancy/redis: purge dead jobs: %w", execErr)
		}
		purged++
	}
	return purged, nil
}

// CountDead returns the total number of dead-job entries.
func (s *Store) CountDead(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, deadIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("tenancy/redis: count dead jobs: %w", err)
	}
	return n, nil
}
