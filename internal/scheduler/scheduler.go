// Package scheduler owns the crawl-job state machine: admission, the
// scheduling loop, agent assignment and the retry/terminal transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
	"github.com/studypulse/crawldispatch/internal/fanout"
	"github.com/studypulse/crawldispatch/internal/metrics"
	"github.com/studypulse/crawldispatch/internal/policy"
)

// Config controls scheduler behavior.
//   - PassInterval: cadence of the scheduling loop (default 5s).
//   - BatchSize: max jobs pulled per pass (default 10).
//   - HighBandCap: max High/Urgent jobs per pass, bounding low-priority
//     starvation (default 8).
//   - DefaultMaxRetries: applied when a request does not set its own.
//   - RetryBaseDelay / RetryMaxDelay: exponential requeue backoff bounds
//     (defaults 30s / 15m).
type Config struct {
	PassInterval      time.Duration
	BatchSize         int
	HighBandCap       int
	DefaultMaxRetries int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PassInterval <= 0 {
		c.PassInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.HighBandCap <= 0 {
		c.HighBandCap = 8
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	} else if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 2
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Minute
	}
	return c
}

// AgentCaller is the scheduler's view of the gateway.
type AgentCaller interface {
	Call(ctx context.Context, agent dispatch.Agent, req dispatch.CrawlRequest) (dispatch.AgentResult, error)
}

// AgentSelector is the scheduler's view of the agent directory.
type AgentSelector interface {
	SelectAgent(ctx context.Context, crawlerType string) (dispatch.Agent, bool, error)
}

// Scheduler pulls pending jobs, enforces policy at admission, assigns agents
// and drives every job transition. All transitions go through the job store's
// version CAS so two instances can never both claim one job.
type Scheduler struct {
	jobs     dispatch.JobStore
	agents   AgentSelector
	caller   AgentCaller
	policies *policy.Engine
	fanout   *fanout.Fanout
	clock    dispatch.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Scheduler.
func New(
	jobs dispatch.JobStore,
	agents AgentSelector,
	caller AgentCaller,
	policies *policy.Engine,
	fan *fanout.Fanout,
	clock dispatch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:     jobs,
		agents:   agents,
		caller:   caller,
		policies: policies,
		fanout:   fan,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		inflight: make(map[uuid.UUID]context.CancelFunc),
	}
}

// NewJobRequest is the admission payload for Enqueue.
type NewJobRequest struct {
	UserID      uuid.UUID
	URLs        []string
	Priority    dispatch.Priority
	CrawlerType string
	MaxRetries  *int
	Config      map[string]any
	// Role and Tier feed the domain policy check.
	Role string
	Tier int
}

// Enqueue admits a new job in Pending state. A denied URL fails the whole
// request with *dispatch.PolicyViolationError before any row is written;
// policy denials are never retried.
func (s *Scheduler) Enqueue(ctx context.Context, req NewJobRequest) (dispatch.CrawlJob, error) {
	if len(req.URLs) == 0 {
		return dispatch.CrawlJob{}, errors.New("at least one URL required")
	}
	if err := s.policies.CheckAll(ctx, req.URLs, req.Role, req.Tier); err != nil {
		return dispatch.CrawlJob{}, err
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	now := s.clock.Now()
	job := dispatch.CrawlJob{
		ID:          uuid.New(),
		UserID:      req.UserID,
		URLs:        append([]string(nil), req.URLs...),
		Status:      dispatch.StatusPending,
		Priority:    req.Priority,
		CrawlerType: req.CrawlerType,
		Config:      req.Config,
		MaxRetries:  maxRetries,
		Version:     1,
		CreatedAt:   now,
	}

	events := []dispatch.Event{
		dispatch.JobStatusChanged{
			EventBase: s.base(job),
			From:      "",
			To:        dispatch.StatusPending,
		},
	}
	msgs, err := s.fanout.Encode(events...)
	if err != nil {
		return dispatch.CrawlJob{}, err
	}
	if err := s.jobs.CreateJob(ctx, job, msgs); err != nil {
		return dispatch.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJobTransition(string(dispatch.StatusPending))
	s.fanout.Notify(ctx, job.UserID, events...)
	return job, nil
}

// Run executes scheduling passes until the context finishes, then waits for
// in-flight agent calls to settle.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PassInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	jobs, err := s.jobs.PullPending(ctx, s.cfg.BatchSize, s.cfg.HighBandCap)
	if err != nil {
		s.logger.Error("pull pending jobs failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		s.dispatch(ctx, job)
	}
}

// dispatch claims one pending job and starts the agent call. No agent of the
// matching type is normal backpressure: the job stays Pending for the next
// pass.
func (s *Scheduler) dispatch(ctx context.Context, job dispatch.CrawlJob) {
	agent, ok, err := s.agents.SelectAgent(ctx, job.CrawlerType)
	if err != nil {
		s.logger.Error("agent selection failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !ok {
		s.logger.Debug("no agent available",
			zap.String("job_id", job.ID.String()),
			zap.String("crawler_type", job.CrawlerType),
		)
		metrics.ObserveNoAgentAvailable(job.CrawlerType)
		return
	}

	now := s.clock.Now()
	events := []dispatch.Event{
		dispatch.JobStarted{EventBase: s.base(job), AgentID: agent.ID},
		dispatch.JobStatusChanged{EventBase: s.base(job), From: dispatch.StatusPending, To: dispatch.StatusInProgress},
	}
	msgs, err := s.fanout.Encode(events...)
	if err != nil {
		s.logger.Error("encode start events failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	if err := s.jobs.ClaimJob(ctx, job.ID, job.Version, agent.ID, now, msgs); err != nil {
		if errors.Is(err, dispatch.ErrVersionConflict) {
			// Another scheduler instance won the claim.
			return
		}
		s.logger.Error("claim job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	metrics.ObserveJobTransition(string(dispatch.StatusInProgress))
	s.fanout.Notify(ctx, job.UserID, events...)

	job.Status = dispatch.StatusInProgress
	job.Version++
	job.AgentID = &agent.ID

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.inflight[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, job.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.execute(callCtx, job, agent)
	}()
}

func (s *Scheduler) execute(ctx context.Context, job dispatch.CrawlJob, agent dispatch.Agent) {
	started := s.clock.Now()
	req := dispatch.CrawlRequest{
		JobID:  job.ID,
		UserID: job.UserID,
		URLs:   job.URLs,
		Config: job.Config,
	}
	if len(job.URLs) > 0 {
		req.URL = job.URLs[0]
	}

	result, err := s.caller.Call(ctx, agent, req)
	metrics.ObserveDispatchDuration(agent.CrawlerType, s.clock.Now().Sub(started), err == nil)
	if err != nil {
		if failErr := s.Fail(ctx, job.ID, err); failErr != nil &&
			!errors.Is(failErr, dispatch.ErrVersionConflict) &&
			!errors.Is(failErr, dispatch.ErrJobTerminal) {
			s.logger.Error("record job failure failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(failErr),
			)
		}
		return
	}
	if result.Accepted {
		// Terminal result arrives through the agent callback endpoint.
		s.logger.Debug("job accepted for async completion",
			zap.String("job_id", job.ID.String()),
			zap.String("agent_id", agent.ID.String()),
		)
		return
	}
	if err := s.Complete(ctx, job.ID, result.Payload); err != nil &&
		!errors.Is(err, dispatch.ErrVersionConflict) &&
		!errors.Is(err, dispatch.ErrJobTerminal) {
		s.logger.Error("record job completion failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
}

// Complete transitions an InProgress job to Completed. Results for jobs that
// were cancelled mid-flight lose the version race and are discarded.
func (s *Scheduler) Complete(ctx context.Context, jobID uuid.UUID, result []byte) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != dispatch.StatusInProgress {
		return dispatch.ErrJobTerminal
	}

	now := s.clock.Now()
	duration := int64(0)
	if job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt).Milliseconds()
	}
	events := []dispatch.Event{
		dispatch.JobCompleted{EventBase: s.base(job), DurationMs: duration},
		dispatch.JobStatusChanged{EventBase: s.base(job), From: dispatch.StatusInProgress, To: dispatch.StatusCompleted},
	}
	msgs, err := s.fanout.Encode(events...)
	if err != nil {
		return err
	}
	if err := s.jobs.CompleteJob(ctx, jobID, job.Version, result, now, msgs); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	metrics.ObserveJobTransition(string(dispatch.StatusCompleted))
	s.fanout.Notify(ctx, job.UserID, events...)
	return nil
}

// Fail records a failed attempt. Retryable failures with retries remaining
// requeue the job behind an exponential backoff window; everything else is
// terminal.
func (s *Scheduler) Fail(ctx context.Context, jobID uuid.UUID, callErr error) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != dispatch.StatusInProgress {
		return dispatch.ErrJobTerminal
	}

	now := s.clock.Now()
	errText := callErr.Error()
	// RetryCount counts recorded failures; this one makes RetryCount+1. A job
	// with MaxRetries=n is attempted at most n times.
	willRetry := dispatch.Retryable(callErr) && job.RetryCount+1 < job.MaxRetries

	base := s.base(job)
	if willRetry {
		notBefore := now.Add(s.retryBackoff(job.RetryCount))
		events := []dispatch.Event{
			dispatch.JobFailed{EventBase: base, Error: errText, RetryCount: job.RetryCount + 1, WillRetry: true},
			dispatch.JobStatusChanged{EventBase: base, From: dispatch.StatusInProgress, To: dispatch.StatusPending},
		}
		msgs, err := s.fanout.Encode(events...)
		if err != nil {
			return err
		}
		if err := s.jobs.RequeueJob(ctx, jobID, job.Version, errText, notBefore, msgs); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		metrics.ObserveJobRetry()
		s.fanout.Notify(ctx, job.UserID, events...)
		return nil
	}

	events := []dispatch.Event{
		dispatch.JobFailed{EventBase: base, Error: errText, RetryCount: job.RetryCount + 1, WillRetry: false},
		dispatch.JobStatusChanged{EventBase: base, From: dispatch.StatusInProgress, To: dispatch.StatusFailed},
	}
	msgs, err := s.fanout.Encode(events...)
	if err != nil {
		return err
	}
	if err := s.jobs.FailJob(ctx, jobID, job.Version, errText, now, msgs); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	metrics.ObserveJobTransition(string(dispatch.StatusFailed))
	s.fanout.Notify(ctx, job.UserID, events...)
	return nil
}

// Cancel terminally cancels a Pending or InProgress job. For in-flight work
// the gateway call is cancelled cooperatively; a result that still arrives
// loses the version race and is discarded.
func (s *Scheduler) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return dispatch.ErrJobTerminal
	}

	now := s.clock.Now()
	events := []dispatch.Event{
		dispatch.JobStatusChanged{EventBase: s.base(job), From: job.Status, To: dispatch.StatusCancelled},
	}
	msgs, err := s.fanout.Encode(events...)
	if err != nil {
		return err
	}
	if err := s.jobs.CancelJob(ctx, jobID, job.Version, now, msgs); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	metrics.ObserveJobTransition(string(dispatch.StatusCancelled))

	s.mu.Lock()
	if cancel, ok := s.inflight[jobID]; ok {
		cancel()
	}
	s.mu.Unlock()

	s.fanout.Notify(ctx, job.UserID, events...)
	return nil
}

func (s *Scheduler) retryBackoff(retryCount int) time.Duration {
	delay := float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(retryCount))
	if delay > float64(s.cfg.RetryMaxDelay) {
		delay = float64(s.cfg.RetryMaxDelay)
	}
	return time.Duration(delay)
}

func (s *Scheduler) base(job dispatch.CrawlJob) dispatch.EventBase {
	return dispatch.EventBase{
		JobID:      job.ID,
		UserID:     job.UserID,
		OccurredAt: s.clock.Now(),
	}
}
