package webhook

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/queuedjobs/internal/service"
)

// Submitter creates jobs; *service.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload json.RawMessage, opts service.SubmitOptions) (string, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig maps one signed URL path to a job type.
type EndpointConfig struct {
	Path    string
	JobType string
	// Secret is the HMAC-SHA256 key shared with the sender.
	Secret string
	// SignatureHeader carries the signature, e.g. X-Hub-Signature-256.
	SignatureHeader string
	MaxBodySize     int64
	Priority        int
	Activate        bool
}

type SubmitResponse struct {
	JobID string `json:"job_id"`
}

const DefaultMaxBodySize = 1 << 20
