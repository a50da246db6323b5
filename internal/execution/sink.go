package execution

import "github.com/mattjoyce/queuedjobs/internal/events"

// HubSink publishes entries as job.progress / job.message events.
type HubSink struct {
	Hub *events.Hub
}

func (s HubSink) Write(e Entry) error {
	if s.Hub == nil {
		return nil
	}
	switch e.Kind {
	case KindProgress:
		s.Hub.Publish(events.JobProgress, e)
	default:
		s.Hub.Publish(events.JobMessage, e)
	}
	return nil
}
