package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/queuedjobs/internal/httpx"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/service"
)

// Server accepts signed POSTs and turns each into a job submission.
type Server struct {
	config Config
	jobs   Submitter
	logger *slog.Logger
}

func New(config Config, jobs Submitter, logger *slog.Logger) *Server {
	for i := range config.Endpoints {
		if config.Endpoints[i].MaxBodySize <= 0 {
			config.Endpoints[i].MaxBodySize = DefaultMaxBodySize
		}
	}
	return &Server{config: config, jobs: jobs, logger: logger}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("webhook endpoints registered", "count", len(s.config.Endpoints))
	return httpx.Serve(ctx, &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, s.logger)
}

// Handler routes only the configured paths; anything else is chi's 404.
func (s *Server) Handler() http.Handler {
	r := httpx.NewRouter(s.logger)
	for _, ep := range s.config.Endpoints {
		r.Post(ep.Path, s.endpoint(ep))
	}
	return r
}

func (s *Server) endpoint(ep EndpointConfig) http.HandlerFunc {
	logger := s.logger.With("path", ep.Path, "job_type", ep.JobType)
	submittedBy := "webhook:" + ep.Path

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ep.MaxBodySize))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpx.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			httpx.Error(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if err := verifySignature(body, r.Header.Get(ep.SignatureHeader), ep.Secret); err != nil {
			logger.Warn("webhook signature rejected", "header", ep.SignatureHeader)
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}

		id, err := s.jobs.Submit(r.Context(), ep.JobType, json.RawMessage(body), service.SubmitOptions{
			Priority:    ep.Priority,
			SubmittedBy: submittedBy,
			Activate:    ep.Activate,
		})
		if err != nil {
			logger.Error("webhook submit failed", "error", err)
			httpx.Error(w, submitStatus(err), "failed to submit job")
			return
		}

		logger.Info("webhook job submitted", "job_id", id)
		httpx.JSON(w, http.StatusAccepted, SubmitResponse{JobID: id})
	}
}

// submitStatus blames the sender only for problems with what it sent.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, job.ErrInvalidJob),
		errors.Is(err, service.ErrRejected),
		errors.Is(err, jobtype.ErrUnknownType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
