package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/events"
)

// Scheduler is the trigger source for dispatch passes. It owns no job
// state; it only decides when to run the dispatcher and housekeeping.
type Scheduler struct {
	cfg        config.ServiceConfig
	dispatcher Dispatcher
	pruner     Pruner
	events     *events.Hub
	logger     *slog.Logger
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler. pruner may be nil when no retention applies.
func New(cfg config.ServiceConfig, d Dispatcher, pruner Pruner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	def := config.Defaults().Service
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	return &Scheduler{
		cfg:        cfg,
		dispatcher: d,
		pruner:     pruner,
		events:     hub,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start reconciles once to recover runs orphaned by a previous process,
// then begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.TickInterval, "reconcile_interval", s.cfg.ReconcileInterval)

	recovered, err := s.dispatcher.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("Recovered orphaned jobs", "count", recovered)
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop ends the loop and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	maintenance := time.NewTicker(s.cfg.ReconcileInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-maintenance.C:
			s.maintain(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping loop")
			return
		}
	}
}

// tick runs one dispatch pass.
func (s *Scheduler) tick(ctx context.Context) {
	s.events.Publish(events.SchedulerTick, map[string]any{"at": s.now().UTC()})

	n, err := s.dispatcher.RunOnce(ctx)
	if err != nil {
		s.logger.Error("Dispatch pass failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("Dispatch pass finished", "processed", n)
	}
}

// maintain recovers stale runs and prunes expired terminal descriptors.
func (s *Scheduler) maintain(ctx context.Context) {
	if n, err := s.dispatcher.Reconcile(ctx); err != nil {
		s.logger.Error("Reconcile failed", "error", err)
	} else if n > 0 {
		s.logger.Info("Reconciled stale jobs", "count", n)
	}

	if s.cfg.ArchiveRetention <= 0 || s.pruner == nil {
		return
	}
	pruned, err := s.pruner.PruneTerminal(ctx, s.now().Add(-s.cfg.ArchiveRetention))
	if err != nil {
		s.logger.Error("Failed to prune terminal jobs", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("Pruned terminal jobs", "count", pruned)
	}
}
