package hooks

import (
	"context"

	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/job"
)

// JobEvent is the payload published for lifecycle events.
type JobEvent struct {
	JobID     string     `json:"job_id"`
	Type      string     `json:"job_type"`
	Status    job.Status `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError *string    `json:"last_error,omitempty"`
}

func (e JobEvent) EventJobID() string { return e.JobID }

func NewJobEvent(d *job.Descriptor) JobEvent {
	return JobEvent{
		JobID:     d.ID,
		Type:      d.Type,
		Status:    d.Status,
		Attempts:  d.Attempts,
		LastError: d.LastError,
	}
}

// PublishTo registers observers that mirror lifecycle points onto hub.
func PublishTo(r *Registry, hub *events.Hub) {
	bridge := map[Point]string{
		AfterActivate: events.JobActivated,
		AfterComplete: events.JobCompleted,
		AfterRetry:    events.JobRetry,
		AfterBroken:   events.JobBroken,
	}
	for point, eventType := range bridge {
		r.On(point, "events", func(_ context.Context, d *job.Descriptor) error {
			hub.Publish(eventType, NewJobEvent(d))
			return nil
		})
	}
}
