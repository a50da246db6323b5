// Package hooks runs ordered observer callbacks at named points in a job's
// lifecycle.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/queuedjobs/internal/job"
)

type Point string

const (
	// BeforeCreate runs before a new descriptor is first stored. An error
	// from any observer vetoes the submission.
	BeforeCreate  Point = "before_create"
	AfterActivate Point = "after_activate"
	AfterComplete Point = "after_complete"
	AfterRetry    Point = "after_retry"
	// AfterBroken runs when a descriptor stops retrying; alerting hangs off it.
	AfterBroken Point = "after_broken"
)

// Observer sees a snapshot of the descriptor; mutations are not persisted.
type Observer func(ctx context.Context, d *job.Descriptor) error

type named struct {
	name string
	fn   Observer
}

// Registry is safe for concurrent use. A nil *Registry runs nothing.
type Registry struct {
	mu        sync.RWMutex
	observers map[Point][]named
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{observers: make(map[Point][]named), logger: logger}
}

// On appends fn to the observers at p. Observers run in registration order.
func (r *Registry) On(p Point, name string, fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[p] = append(r.observers[p], named{name: name, fn: fn})
}

// Run invokes the observers at p. For BeforeCreate the first error stops
// the chain and is returned; elsewhere errors are logged and the chain
// continues.
func (r *Registry) Run(ctx context.Context, p Point, d *job.Descriptor) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	chain := append([]named(nil), r.observers[p]...)
	r.mu.RUnlock()

	for _, o := range chain {
		err := o.fn(ctx, d.Clone())
		if err == nil {
			continue
		}
		if p == BeforeCreate {
			return fmt.Errorf("%s hook %q: %w", p, o.name, err)
		}
		r.logger.Warn("hook failed", "point", p, "hook", o.name, "job_id", d.ID, "error", err)
	}
	return nil
}
