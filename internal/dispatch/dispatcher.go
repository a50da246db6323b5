package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/queuedjobs/internal/backoff"
	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/execution"
	"github.com/mattjoyce/queuedjobs/internal/hooks"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/queue"
)

// Dispatcher runs claimed descriptors through their registered job bodies.
type Dispatcher struct {
	store      queue.Store
	registry   *jobtype.Registry
	hooks      *hooks.Registry
	hub        *events.Hub
	policy     backoff.Policy
	capacity   int
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithHooks(r *hooks.Registry) Option {
	return func(d *Dispatcher) { d.hooks = r }
}

// WithHub forwards claim, progress and message events to hub.
func WithHub(hub *events.Hub) Option {
	return func(d *Dispatcher) { d.hub = hub }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher. Zero fields in cfg take config.DefaultDispatch
// values.
func New(store queue.Store, reg *jobtype.Registry, cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	def := config.DefaultDispatch()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	d := &Dispatcher{
		store:      store,
		registry:   reg,
		policy:     backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		capacity:   cfg.Capacity,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	return d
}

// RunOnce claims and executes due descriptors and returns how many ran. Job
// outcomes never surface as errors; only a failed store query does.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.now()

	var claimed []*job.Descriptor
	for desc, err := range d.store.FetchDue(ctx, now, d.capacity) {
		if err != nil {
			return 0, fmt.Errorf("fetch due: %w", err)
		}
		ok, err := d.store.Claim(ctx, desc.ID, desc.Version, now)
		if err != nil {
			d.logger.Warn("claim failed", "job_id", desc.ID, "error", err)
			continue
		}
		if !ok {
			d.logger.Debug("claim lost", "job_id", desc.ID)
			continue
		}
		// Mirror what the store did so the write-back carries the right version.
		if err := desc.MarkRunning(now); err != nil {
			d.logger.Error("claimed descriptor not runnable", "job_id", desc.ID, "error", err)
			continue
		}
		desc.Version++
		claimed = append(claimed, desc)
	}

	var g errgroup.Group
	g.SetLimit(d.capacity)
	for _, desc := range claimed {
		g.Go(func() error {
			d.execute(ctx, desc)
			return nil
		})
	}
	_ = g.Wait()

	return len(claimed), nil
}

func (d *Dispatcher) execute(ctx context.Context, desc *job.Descriptor) {
	logger := log.ForDescriptor(d.logger, desc, desc.Attempts+1)
	logger.Info("executing job")
	d.publish(events.JobClaimed, hooks.NewJobEvent(desc))

	var sink execution.Sink
	if d.hub != nil {
		sink = execution.HubSink{Hub: d.hub}
	}
	ec := execution.New(desc, sink, execution.WithClock(d.now))
	res, runErr := d.run(ctx, desc, ec)
	ec.Close()
	ec.ApplyTo(desc)
	if n := ec.Dropped(); n > 0 {
		logger.Debug("execution updates dropped", "count", n)
	}

	now := d.now()
	var point hooks.Point
	switch {
	case runErr == nil:
		desc.Result = res.Output
		if err := desc.MarkCompleted(now); err != nil {
			logger.Error("cannot complete job", "error", err)
			return
		}
		point = hooks.AfterComplete
		logger.Info("job completed")
	case job.IsFatal(runErr):
		if err := desc.MarkBroken(runErr, now); err != nil {
			logger.Error("cannot break job", "error", err)
			return
		}
		point = hooks.AfterBroken
		logger.Error("job broken", "error", runErr)
	default:
		var err error
		if point, err = d.fail(desc, runErr, now); err != nil {
			logger.Error("cannot fail job", "error", err)
			return
		}
		d.logOutcome(logger, desc, point, runErr)
	}

	if err := d.store.Put(ctx, desc); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			// The reconciler or an operator changed the descriptor mid-run.
			logger.Warn("descriptor changed while running, outcome dropped", "error", err)
			return
		}
		logger.Error("failed to persist outcome", "error", err)
		return
	}
	_ = d.hooks.Run(ctx, point, desc)
}

// run resolves and invokes the job body. Panics become recoverable errors.
func (d *Dispatcher) run(ctx context.Context, desc *job.Descriptor, ec *execution.Context) (res jobtype.Result, err error) {
	body, err := d.registry.Lookup(jobtype.Type(desc.Type))
	if err != nil {
		return jobtype.Result{}, job.Fatal(err)
	}

	defer func() {
		if r := recover(); r != nil {
			res = jobtype.Result{}
			err = job.Retry(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return body.Run(ctx, desc.Payload, ec)
}

// fail records a recoverable failure and either requeues desc with backoff
// or, once its attempts are spent, breaks it.
func (d *Dispatcher) fail(desc *job.Descriptor, cause error, now time.Time) (hooks.Point, error) {
	if err := desc.MarkFailed(cause, now); err != nil {
		return "", err
	}
	if desc.Attempts < desc.MaxAttempts {
		if err := desc.MarkQueued(d.policy.Next(now, desc.Attempts), now); err != nil {
			return "", err
		}
		return hooks.AfterRetry, nil
	}
	if err := desc.MarkBroken(cause, now); err != nil {
		return "", err
	}
	return hooks.AfterBroken, nil
}

func (d *Dispatcher) logOutcome(logger *slog.Logger, desc *job.Descriptor, point hooks.Point, cause error) {
	if point == hooks.AfterRetry {
		logger.Warn("job failed, retry scheduled", "error", cause, "retry_at", desc.ScheduledFor)
		return
	}
	logger.Error("job failed, attempts exhausted", "error", cause, "attempts", desc.Attempts)
}

// Reconcile fails every running descriptor not updated within StaleAfter,
// exactly once per pass, and returns how many it recovered.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	now := d.now()
	stale, err := d.store.FindStale(ctx, now.Add(-d.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("find stale: %w", err)
	}

	recovered := 0
	for _, desc := range stale {
		logger := log.ForDescriptor(d.logger, desc, desc.Attempts)
		cause := fmt.Errorf("%w: no update since %s", job.ErrStaleRun, desc.UpdatedAt.Format(time.RFC3339))

		point, err := d.fail(desc, cause, now)
		if err != nil {
			logger.Error("cannot fail stale job", "error", err)
			continue
		}
		if err := d.store.Put(ctx, desc); err != nil {
			if errors.Is(err, queue.ErrConflict) {
				logger.Debug("stale job moved on before reconcile", "error", err)
				continue
			}
			logger.Error("failed to persist stale job", "error", err)
			continue
		}
		d.logOutcome(logger, desc, point, cause)
		_ = d.hooks.Run(ctx, point, desc)
		recovered++
	}

	if recovered > 0 {
		d.publish(events.DispatchReconciled, map[string]int{"recovered": recovered})
	}
	return recovered, nil
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(eventType, data)
}
