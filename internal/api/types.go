package api

import (
	"encoding/json"

	"github.com/mattjoyce/queuedjobs/internal/httpx"
	"github.com/mattjoyce/queuedjobs/internal/job"
)

// SubmitRequest is the JSON body for POST /jobs
type SubmitRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority,omitempty"`
	// Delay is a Go duration string such as "30s".
	Delay       string `json:"delay,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	SubmittedBy string `json:"submitted_by,omitempty"`
	Activate    bool   `json:"activate,omitempty"`
}

// SubmitResponse is returned on successful submission
type SubmitResponse struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
}

// JobListResponse is returned by GET /jobs
type JobListResponse struct {
	Jobs  []*job.Descriptor `json:"jobs"`
	Count int               `json:"count"`
}

type ErrorResponse = httpx.ErrorBody

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	QueueDepth    int      `json:"queue_depth"`
	JobTypes      []string `json:"job_types"`
}
