package queue

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/job"
)

// MemoryStore keeps descriptors in a map. Values are cloned on the way in
// and out so callers never share memory with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*job.Descriptor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*job.Descriptor)}
}

func (s *MemoryStore) Put(ctx context.Context, d *job.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var actual int64
	if cur, ok := s.jobs[d.ID]; ok {
		actual = cur.Version
	}
	if actual != d.Version {
		return &ConflictError{ID: d.ID, Expected: d.Version, Actual: actual}
	}

	d.Version++
	s.jobs[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*job.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*job.Descriptor, error] {
	return yieldAll(func() ([]*job.Descriptor, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		var due []*job.Descriptor
		for _, d := range s.jobs {
			if isDue(d, now) {
				due = append(due, d.Clone())
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(due, dueOrder)
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		return due, nil
	})
}

func (s *MemoryStore) Claim(ctx context.Context, id string, expectedVersion int64, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.jobs[id]
	if !ok || d.Version != expectedVersion || d.Status != job.StatusQueued {
		return false, nil
	}
	if err := d.MarkRunning(at); err != nil {
		return false, err
	}
	d.Version++
	return true, nil
}

func (s *MemoryStore) FindStale(ctx context.Context, cutoff time.Time) ([]*job.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*job.Descriptor
	for _, d := range s.jobs {
		if d.Status == job.StatusRunning && d.UpdatedAt.Before(cutoff) {
			stale = append(stale, d.Clone())
		}
	}
	slices.SortFunc(stale, func(a, b *job.Descriptor) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return stale, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*job.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*job.Descriptor
	for _, d := range s.jobs {
		if f.match(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, listOrder)
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStore) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.jobs {
		if d.Status == job.StatusQueued {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.jobs {
		if d.IsTerminal() && d.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
