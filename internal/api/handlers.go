package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/queuedjobs/internal/httpx"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/queue"
	"github.com/mattjoyce/queuedjobs/internal/service"
)

const maxListLimit = 1000

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.jobs.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		JobTypes:      s.jobs.Types(),
	})
}

// handleSubmit handles POST /jobs
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	var delay time.Duration
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "delay must be a non-negative duration")
			return
		}
		delay = d
	}
	if req.SubmittedBy == "" {
		req.SubmittedBy = submitter(r)
	}

	id, err := s.jobs.Submit(r.Context(), req.Type, req.Payload, service.SubmitOptions{
		Priority:    req.Priority,
		Delay:       delay,
		MaxAttempts: req.MaxAttempts,
		SubmittedBy: req.SubmittedBy,
		Activate:    req.Activate,
	})
	if err != nil {
		s.writeJobError(w, err, id)
		return
	}

	status := job.StatusNew
	if req.Activate {
		status = job.StatusQueued
	}
	respondJSON(w, http.StatusCreated, SubmitResponse{JobID: id, Status: status})
}

// handleListJobs handles GET /jobs?status=&type=&limit=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f queue.Filter

	if v := q.Get("status"); v != "" {
		st, err := job.ParseStatus(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	f.Type = q.Get("type")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	jobs, err := s.jobs.List(r.Context(), f)
	if err != nil {
		s.writeJobError(w, err, "")
		return
	}
	if jobs == nil {
		jobs = []*job.Descriptor{}
	}
	respondJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// handleGetJob handles GET /jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	d, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, err, jobID)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// handleTransition serves POST /jobs/{jobID}/activate|pause|resume and
// answers with the descriptor after the change.
func (s *Server) handleTransition(apply func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if err := apply(r.Context(), jobID); err != nil {
			s.writeJobError(w, err, jobID)
			return
		}
		d, err := s.jobs.Status(r.Context(), jobID)
		if err != nil {
			s.writeJobError(w, err, jobID)
			return
		}
		respondJSON(w, http.StatusOK, d)
	}
}

// writeJobError maps domain errors onto HTTP statuses.
func (s *Server) writeJobError(w http.ResponseWriter, err error, jobID string) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, queue.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobtype.ErrUnknownType), errors.Is(err, service.ErrRejected), errors.Is(err, job.ErrInvalidJob):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("job request failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	httpx.JSON(w, status, data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	httpx.Error(w, status, message)
}
