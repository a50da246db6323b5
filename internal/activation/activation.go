// Package activation moves descriptors into and out of the runnable set.
// It never executes anything; the dispatcher picks activated descriptors up
// on its next pass.
package activation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/hooks"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/queue"
)

type Handler struct {
	store  queue.Store
	hooks  *hooks.Registry
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithHooks(r *hooks.Registry) Option {
	return func(h *Handler) { h.hooks = r }
}

func New(store queue.Store, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = log.WithComponent("activation")
	}
	h := &Handler{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Activate queues d to run no earlier than now+delay and persists it. A
// queued descriptor is left untouched. On success d carries the stored
// version.
func (h *Handler) Activate(ctx context.Context, d *job.Descriptor, delay time.Duration) error {
	switch d.Status {
	case job.StatusQueued:
		return nil
	case job.StatusNew, job.StatusPaused:
	default:
		return &job.TransitionError{ID: d.ID, From: d.Status, To: job.StatusQueued}
	}
	if delay < 0 {
		delay = 0
	}

	next := d.Clone()
	now := h.now()
	if err := next.MarkQueued(now.Add(delay), now); err != nil {
		return err
	}
	if err := h.store.Put(ctx, next); err != nil {
		return fmt.Errorf("activate %s: %w", d.ID, err)
	}
	*d = *next

	h.logger.Debug("job activated", "job_id", d.ID, "job_type", d.Type, "scheduled_for", d.ScheduledFor)
	_ = h.hooks.Run(ctx, hooks.AfterActivate, d)
	return nil
}

// Pause takes a queued descriptor out of the runnable set. A paused
// descriptor is left untouched.
func (h *Handler) Pause(ctx context.Context, d *job.Descriptor) error {
	if d.Status == job.StatusPaused {
		return nil
	}

	next := d.Clone()
	if err := next.MarkPaused(h.now()); err != nil {
		return err
	}
	if err := h.store.Put(ctx, next); err != nil {
		return fmt.Errorf("pause %s: %w", d.ID, err)
	}
	*d = *next

	h.logger.Debug("job paused", "job_id", d.ID, "job_type", d.Type)
	return nil
}
