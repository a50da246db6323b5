// Package queue persists job descriptors. Every backend offers the same
// optimistic-concurrency contract: writes carry the version the caller last
// saw, and Claim is the single compare-and-swap that hands a queued
// descriptor to exactly one worker.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/storage"
)

const defaultListLimit = 100

var (
	ErrNotFound = errors.New("job not found")
	ErrConflict = errors.New("job version conflict")
)

// ConflictError reports a write whose expected version no longer matches
// the stored one.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected version %d, stored version %d", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status job.Status
	Type   string
	Limit  int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func (f Filter) match(d *job.Descriptor) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	return true
}

// Store is the durable collection of descriptors.
type Store interface {
	// Put upserts d using d.Version as the expected stored version (0 means
	// not yet stored) and increments d.Version on success.
	Put(ctx context.Context, d *job.Descriptor) error
	Get(ctx context.Context, id string) (*job.Descriptor, error)
	// FetchDue lazily yields queued descriptors with ScheduledFor <= now,
	// ordered by priority desc, scheduled_for asc, id asc.
	FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*job.Descriptor, error]
	// Claim moves a queued descriptor at expectedVersion to running and bumps
	// its version. It returns false if another worker got there first.
	Claim(ctx context.Context, id string, expectedVersion int64, at time.Time) (bool, error)
	// FindStale returns running descriptors last updated before cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]*job.Descriptor, error)
	List(ctx context.Context, f Filter) ([]*job.Descriptor, error)
	// Depth counts queued descriptors.
	Depth(ctx context.Context) (int, error)
	// PruneTerminal deletes completed and broken descriptors last updated
	// before cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	case "postgres":
		db, err := storage.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db), nil
	case "redis":
		rdb, err := storage.OpenRedis(ctx, storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return NewRedisStore(rdb, cfg.Redis.Prefix), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

// dueOrder is the FetchDue ordering: priority desc, scheduled_for asc, id asc.
func dueOrder(a, b *job.Descriptor) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// listOrder is newest first.
func listOrder(a, b *job.Descriptor) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func isDue(d *job.Descriptor, now time.Time) bool {
	return d.Status == job.StatusQueued && !d.ScheduledFor.After(now)
}

// yieldAll adapts an eagerly loaded slice (or load error) to FetchDue's
// sequence shape.
func yieldAll(load func() ([]*job.Descriptor, error)) iter.Seq2[*job.Descriptor, error] {
	return func(yield func(*job.Descriptor, error) bool) {
		ds, err := load()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, d := range ds {
			if !yield(d, nil) {
				return
			}
		}
	}
}
