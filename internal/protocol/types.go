package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol version exec job types speak.
const Version = 1

// Response.Status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the envelope written to an exec job's stdin.
type Request struct {
	Protocol   int             `json:"protocol"`
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeadlineAt time.Time       `json:"deadline_at"`
}

// Response is the envelope read from an exec job's stdout.
type Response struct {
	Status   string          `json:"status"` // ok | error
	Error    string          `json:"error,omitempty"`
	Retry    *bool           `json:"retry,omitempty"` // defaults to true if omitted
	Result   json.RawMessage `json:"result,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Logs     []LogEntry      `json:"logs,omitempty"`
}

// LogEntry is one line the process wants on the descriptor's message log.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ShouldRetry reports whether an error response is recoverable; an omitted
// retry field means yes.
func (r *Response) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}
