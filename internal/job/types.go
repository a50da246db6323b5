package job

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusNew       Status = "new"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBroken    Status = "broken"
	StatusPaused    Status = "paused"
)

var allStatuses = []Status{
	StatusNew, StatusQueued, StatusRunning, StatusCompleted,
	StatusFailed, StatusBroken, StatusPaused,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusBroken
}

// ParseStatus converts user input into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// Descriptor is one unit of deferred work and its run state.
// Persistence is the store's job; the descriptor only validates transitions.
type Descriptor struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Delay        time.Duration   `json:"delay,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    *string         `json:"last_error,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Messages     []string        `json:"messages,omitempty"`
	Progress     float64         `json:"progress"`
	SubmittedBy  string          `json:"submitted_by"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Options carries caller-supplied submission parameters.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	SubmittedBy string
}
