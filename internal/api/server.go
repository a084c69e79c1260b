// Package api exposes the HTTP interface for the dispatch service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/config"
	"github.com/studypulse/crawldispatch/internal/dispatch"
	"github.com/studypulse/crawldispatch/internal/fanout"
	"github.com/studypulse/crawldispatch/internal/health"
	"github.com/studypulse/crawldispatch/internal/metrics"
	"github.com/studypulse/crawldispatch/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	jobs      dispatch.JobStore
	agents    dispatch.AgentStore
	hub       *fanout.Hub
	sampler   *health.Sampler
	clock     dispatch.Clock
	logger    *zap.Logger
	cfg       config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched *scheduler.Scheduler,
	jobs dispatch.JobStore,
	agents dispatch.AgentStore,
	hub *fanout.Hub,
	sampler *health.Sampler,
	clock dispatch.Clock,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = dispatch.SystemClock{}
	}
	s := &Server{
		scheduler: sched,
		jobs:      jobs,
		agents:    agents,
		hub:       hub,
		sampler:   sampler,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Delete("/", s.deleteJob)
				r.Get("/events", s.streamJobEvents)
			})
		})
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.listAgents)
			r.Post("/callback", s.agentCallback)
		})
		r.Get("/health", s.healthSnapshot)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.jobs.CountByStatus(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) healthSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sampler.Current(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "health sample failed")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write json failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func parseJobID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	return id, err == nil
}
