package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/queuedjobs/internal/auth"
	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/httpx"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/queue"
	"github.com/mattjoyce/queuedjobs/internal/service"
)

// JobService is the caller API the server exposes; *service.Service
// implements it.
type JobService interface {
	Submit(ctx context.Context, jobType string, payload json.RawMessage, opts service.SubmitOptions) (string, error)
	Activate(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*job.Descriptor, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	List(ctx context.Context, f queue.Filter) ([]*job.Descriptor, error)
	Depth(ctx context.Context) (int, error)
	Types() []string
}

type Config struct {
	Listen string
	// APIKey authenticates as the admin principal with every scope.
	APIKey string
	Tokens []auth.TokenConfig
}

type Server struct {
	config    Config
	jobs      JobService
	events    *events.Hub
	keys      *auth.Keyring
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, jobs JobService, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		jobs:      jobs,
		events:    hub,
		keys:      auth.NewKeyring(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return httpx.Serve(ctx, s.server, s.logger)
}

// Handler returns the routed handler; tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	r := httpx.NewRouter(s.logger)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			write := r.With(s.requireScopes(auth.ScopeJobsWrite))
			read := r.With(s.requireScopes(auth.ScopeJobsRead))

			write.Post("/", s.handleSubmit)
			read.Get("/", s.handleListJobs)
			read.Get("/{jobID}", s.handleGetJob)
			write.Post("/{jobID}/activate", s.handleTransition(s.jobs.Activate))
			write.Post("/{jobID}/pause", s.handleTransition(s.jobs.Pause))
			write.Post("/{jobID}/resume", s.handleTransition(s.jobs.Resume))
		})
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}
