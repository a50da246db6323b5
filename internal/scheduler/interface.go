package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/queuedjobs/internal/scheduler Dispatcher,Pruner

// Dispatcher is the slice of dispatch.Dispatcher the scheduler drives.
type Dispatcher interface {
	RunOnce(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
}

// Pruner deletes finished descriptors; queue.Store satisfies it.
type Pruner interface {
	PruneTerminal(ctx context.Context, cutoff time.Time) (int, error)
}
