package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
	"github.com/studypulse/crawldispatch/internal/scheduler"
)

type submitJobRequest struct {
	UserID      uuid.UUID      `json:"user_id"`
	URLs        []string       `json:"urls"`
	Priority    string         `json:"priority"`
	CrawlerType string         `json:"crawler_type"`
	MaxRetries  *int           `json:"max_retries"`
	Config      map[string]any `json:"config"`
	Role        string         `json:"role"`
	Tier        int            `json:"tier"`
}

type jobResponse struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	URLs        []string   `json:"urls"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AgentID     *uuid.UUID `json:"agent_id,omitempty"`
	CrawlerType string     `json:"crawler_type"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job dispatch.CrawlJob) jobResponse {
	return jobResponse{
		ID:          job.ID,
		UserID:      job.UserID,
		URLs:        job.URLs,
		Status:      string(job.Status),
		Priority:    job.Priority.String(),
		AgentID:     job.AgentID,
		CrawlerType: job.CrawlerType,
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if req.CrawlerType == "" {
		s.writeError(w, http.StatusBadRequest, "crawler_type required")
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.scheduler.Enqueue(r.Context(), scheduler.NewJobRequest{
		UserID:      req.UserID,
		URLs:        req.URLs,
		Priority:    priority,
		CrawlerType: req.CrawlerType,
		MaxRetries:  req.MaxRetries,
		Config:      req.Config,
		Role:        req.Role,
		Tier:        req.Tier,
	})
	if err != nil {
		var policyErr *dispatch.PolicyViolationError
		if errors.As(err, &policyErr) {
			s.writeError(w, http.StatusUnprocessableEntity, policyErr.Error())
			return
		}
		s.logger.Error("submit job failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err), zap.String("job_id", jobID.String()))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	err := s.scheduler.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID.String(),
			"status": string(dispatch.StatusCancelled),
		})
	case errors.Is(err, dispatch.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, dispatch.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, "job already finished")
	case errors.Is(err, dispatch.ErrVersionConflict):
		s.writeError(w, http.StatusConflict, "job changed concurrently, retry")
	default:
		s.logger.Error("cancel job failed", zap.Error(err), zap.String("job_id", jobID.String()))
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
	}
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	if !job.Status.Terminal() {
		s.writeError(w, http.StatusConflict, "only finished jobs can be deleted")
		return
	}
	if err := s.jobs.SoftDeleteJob(r.Context(), jobID, s.clock.Now().UTC()); err != nil {
		s.logger.Error("delete job failed", zap.Error(err), zap.String("job_id", jobID.String()))
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agentResponse struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	CrawlerType         string     `json:"crawler_type"`
	Status              string     `json:"status"`
	ActiveJobs          int        `json:"active_jobs"`
	MaxJobs             int        `json:"max_jobs"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("list agents failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentResponse{
			ID:                  a.ID,
			Name:                a.Name,
			CrawlerType:         a.CrawlerType,
			Status:              string(a.Status),
			ActiveJobs:          a.ActiveJobs,
			MaxJobs:             a.MaxJobs,
			ConsecutiveFailures: a.ConsecutiveFailures,
			LastHealthCheck:     a.LastHealthCheck,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type agentCallbackRequest struct {
	JobID     uuid.UUID       `json:"job_id"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable"`
}

// agentCallback receives the async completion report for a job the agent
// accepted with 202 at dispatch time.
func (s *Server) agentCallback(w http.ResponseWriter, r *http.Request) {
	var req agentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.JobID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, "job_id required")
		return
	}

	var err error
	if req.Success {
		err = s.scheduler.Complete(r.Context(), req.JobID, []byte(req.Result))
	} else {
		class := dispatch.FailurePermanent
		if req.Retryable {
			class = dispatch.FailureTransient
		}
		callErr := dispatch.NewAgentCallError(class, errors.New(req.Error))
		err = s.scheduler.Fail(r.Context(), req.JobID, callErr)
	}
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"job_id": req.JobID.String()})
	case errors.Is(err, dispatch.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, dispatch.ErrJobTerminal):
		// Late or duplicate report after the job settled; acknowledge it.
		s.writeJSON(w, http.StatusOK, map[string]string{"job_id": req.JobID.String()})
	case errors.Is(err, dispatch.ErrVersionConflict):
		s.writeError(w, http.StatusConflict, "job changed concurrently, retry")
	default:
		s.logger.Error("agent callback failed", zap.Error(err), zap.String("job_id", req.JobID.String()))
		s.writeError(w, http.StatusInternalServerError, "failed to apply callback")
	}
}

func parsePriority(raw string) (dispatch.Priority, error) {
	switch raw {
	case "", "normal":
		return dispatch.PriorityNormal, nil
	case "low":
		return dispatch.PriorityLow, nil
	case "high":
		return dispatch.PriorityHigh, nil
	case "urgent":
		return dispatch.PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", raw)
	}
}
