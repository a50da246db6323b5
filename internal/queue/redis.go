package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/queuedjobs/internal/job"
)

const defaultRedisPrefix = "queuedjobs:"

// RedisStore keeps each descriptor as a JSON string and indexes IDs in one
// sorted set per status. Queued IDs are scored by ScheduledFor, everything
// else by UpdatedAt (unix microseconds). Writes use WATCH/MULTI so the
// version check and the write happen atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + "job:" + id }

func (s *RedisStore) statusKey(st job.Status) string { return s.prefix + "status:" + string(st) }

// allKey indexes every stored ID by CreatedAt for List.
func (s *RedisStore) allKey() string { return s.prefix + "jobs" }

func indexScore(d *job.Descriptor) float64 {
	if d.Status == job.StatusQueued {
		return float64(d.ScheduledFor.UnixMicro())
	}
	return float64(d.UpdatedAt.UnixMicro())
}

func microBound(t time.Time, exclusive bool) string {
	s := strconv.FormatInt(t.UnixMicro(), 10)
	if exclusive {
		return "(" + s
	}
	return s
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, id string) (*job.Descriptor, error) {
	b, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var d job.Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &d, nil
}

// write stores next and moves its index entry away from prev's status set.
func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, prev, next *job.Descriptor) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", next.ID, err)
	}
	_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.jobKey(next.ID), data, 0)
		if prev != nil && prev.Status != next.Status {
			p.ZRem(ctx, s.statusKey(prev.Status), next.ID)
		}
		p.ZAdd(ctx, s.statusKey(next.Status), redis.Z{Score: indexScore(next), Member: next.ID})
		p.ZAdd(ctx, s.allKey(), redis.Z{Score: float64(next.CreatedAt.UnixMicro()), Member: next.ID})
		return nil
	})
	return err
}

func (s *RedisStore) Put(ctx context.Context, d *job.Descriptor) error {
	next := d.Clone()
	next.Version = d.Version + 1

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		var actual int64
		if cur != nil {
			actual = cur.Version
		}
		if actual != d.Version {
			return &ConflictError{ID: d.ID, Expected: d.Version, Actual: actual}
		}
		return s.write(ctx, tx, cur, next)
	}, s.jobKey(d.ID))

	if errors.Is(err, redis.TxFailedErr) {
		return &ConflictError{ID: d.ID, Expected: d.Version, Actual: -1}
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("put job %s: %w", d.ID, err)
	}
	d.Version++
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*job.Descriptor, error) {
	d, err := s.load(ctx, s.rdb, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

// loadMany fetches descriptors by ID, skipping keys that vanished between
// the index read and the MGET.
func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*job.Descriptor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	out := make([]*job.Descriptor, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var d job.Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		out = append(out, &d)
	}
	return out, nil
}

func (s *RedisStore) FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*job.Descriptor, error] {
	return yieldAll(func() ([]*job.Descriptor, error) {
		ids, err := s.rdb.ZRangeByScore(ctx, s.statusKey(job.StatusQueued), &redis.ZRangeBy{
			Min: "-inf",
			Max: microBound(now, false),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("fetch due jobs: %w", err)
		}
		all, err := s.loadMany(ctx, ids)
		if err != nil {
			return nil, err
		}

		due := all[:0]
		for _, d := range all {
			if isDue(d, now) {
				due = append(due, d)
			}
		}
		slices.SortFunc(due, dueOrder)
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		return due, nil
	})
}

func (s *RedisStore) Claim(ctx context.Context, id string, expectedVersion int64, at time.Time) (bool, error) {
	claimed := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil || cur.Version != expectedVersion || cur.Status != job.StatusQueued {
			return nil
		}
		next := cur.Clone()
		if err := next.MarkRunning(at); err != nil {
			return err
		}
		next.Version++
		if err := s.write(ctx, tx, cur, next); err != nil {
			return err
		}
		claimed = true
		return nil
	}, s.jobKey(id))

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return claimed, nil
}

func (s *RedisStore) FindStale(ctx context.Context, cutoff time.Time) ([]*job.Descriptor, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.statusKey(job.StatusRunning), &redis.ZRangeBy{
		Min: "-inf",
		Max: microBound(cutoff, false),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}
	all, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	stale := all[:0]
	for _, d := range all {
		if d.Status == job.StatusRunning && d.UpdatedAt.Before(cutoff) {
			stale = append(stale, d)
		}
	}
	slices.SortFunc(stale, func(a, b *job.Descriptor) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return stale, nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*job.Descriptor, error) {
	key := s.allKey()
	if f.Status != "" {
		key = s.statusKey(f.Status)
	}
	ids, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	all, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, d := range all {
		if f.match(d) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, listOrder)
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *RedisStore) Depth(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.statusKey(job.StatusQueued)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	pruned := 0
	for _, st := range []job.Status{job.StatusCompleted, job.StatusBroken} {
		ids, err := s.rdb.ZRangeByScore(ctx, s.statusKey(st), &redis.ZRangeBy{
			Min: "-inf",
			Max: microBound(cutoff, true),
		}).Result()
		if err != nil {
			return pruned, fmt.Errorf("prune %s jobs: %w", st, err)
		}
		if len(ids) == 0 {
			continue
		}

		members := make([]any, len(ids))
		keys := make([]string, len(ids))
		for i, id := range ids {
			members[i] = id
			keys[i] = s.jobKey(id)
		}
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, keys...)
			p.ZRem(ctx, s.statusKey(st), members...)
			p.ZRem(ctx, s.allKey(), members...)
			return nil
		})
		if err != nil {
			return pruned, fmt.Errorf("prune %s jobs: %w", st, err)
		}
		pruned += len(ids)
	}
	return pruned, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
