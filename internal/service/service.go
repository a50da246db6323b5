// Package service is the caller-facing API over the queue: submit, inspect
// and steer descriptors by ID.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/activation"
	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/hooks"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/queue"
)

// ErrRejected is returned when a before_create hook vetoes a submission.
var ErrRejected = errors.New("job rejected")

// SubmitOptions are the caller's knobs for a new job. Zero Priority and
// MaxAttempts fall back to the job type's defaults, then the service's.
type SubmitOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	SubmittedBy string
	// Activate queues the job straight away instead of leaving it new.
	Activate bool
}

type Service struct {
	store       queue.Store
	registry    *jobtype.Registry
	activation  *activation.Handler
	hooks       *hooks.Registry
	hub         *events.Hub
	maxAttempts int
	logger      *slog.Logger
}

type Option func(*Service)

func WithHooks(r *hooks.Registry) Option { return func(s *Service) { s.hooks = r } }

func WithHub(hub *events.Hub) Option { return func(s *Service) { s.hub = hub } }

// WithMaxAttempts sets the fallback when neither caller nor job type does.
func WithMaxAttempts(n int) Option { return func(s *Service) { s.maxAttempts = n } }

func New(store queue.Store, reg *jobtype.Registry, act *activation.Handler, opts ...Option) *Service {
	s := &Service{
		store:      store,
		registry:   reg,
		activation: act,
		logger:     log.WithComponent("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit stores a new descriptor and returns its ID.
func (s *Service) Submit(ctx context.Context, jobType string, payload json.RawMessage, opts SubmitOptions) (string, error) {
	t := jobtype.Type(jobType)
	if !s.registry.Has(t) {
		return "", fmt.Errorf("%w: %q", jobtype.ErrUnknownType, jobType)
	}

	defaults := s.registry.Defaults(t)
	if opts.Priority == 0 {
		opts.Priority = defaults.Priority
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = s.maxAttempts
	}

	d, err := job.New(jobType, payload, job.Options{
		Priority:    opts.Priority,
		Delay:       opts.Delay,
		MaxAttempts: opts.MaxAttempts,
		SubmittedBy: opts.SubmittedBy,
	})
	if err != nil {
		return "", err
	}

	if err := s.hooks.Run(ctx, hooks.BeforeCreate, d); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := s.store.Put(ctx, d); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	s.logger.Info("job submitted", "job_id", d.ID, "job_type", d.Type, "submitted_by", d.SubmittedBy)
	s.publish(events.JobSubmitted, d)

	if opts.Activate {
		if err := s.activation.Activate(ctx, d, d.Delay); err != nil {
			return d.ID, err
		}
	}
	return d.ID, nil
}

// Activate queues the job using the delay it was submitted with.
func (s *Service) Activate(ctx context.Context, id string) error {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.activation.Activate(ctx, d, d.Delay)
}

// Status returns a snapshot of the stored descriptor.
func (s *Service) Status(ctx context.Context, id string) (*job.Descriptor, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Pause(ctx context.Context, id string) error {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	wasPaused := d.Status == job.StatusPaused
	if err := s.activation.Pause(ctx, d); err != nil {
		return err
	}
	if !wasPaused {
		s.publish(events.JobPaused, d)
	}
	return nil
}

// Resume requeues a paused job to run immediately. Resuming a queued job
// is a no-op; any other state is an invalid transition.
func (s *Service) Resume(ctx context.Context, id string) error {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != job.StatusPaused && d.Status != job.StatusQueued {
		return &job.TransitionError{ID: d.ID, From: d.Status, To: job.StatusQueued}
	}
	return s.activation.Activate(ctx, d, 0)
}

func (s *Service) List(ctx context.Context, f queue.Filter) ([]*job.Descriptor, error) {
	return s.store.List(ctx, f)
}

// Depth is the number of queued descriptors.
func (s *Service) Depth(ctx context.Context) (int, error) {
	return s.store.Depth(ctx)
}

// Types lists the registered job types.
func (s *Service) Types() []string {
	types := s.registry.Types()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (s *Service) publish(eventType string, d *job.Descriptor) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(eventType, hooks.NewJobEvent(d))
}
