// Package health aggregates job and agent statistics for observability. The
// sampler only reads; it never mutates scheduling state.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
	"github.com/studypulse/crawldispatch/internal/metrics"
)

// Config controls the sampler.
//   - Interval: sampling cadence (default 5m).
//   - Window: trailing window for success-rate stats (default 24h).
//   - SnapshotTTL: how long a cached snapshot stays fresh for readers
//     (default 30s).
//   - SuccessRateFloor: warn when the trailing rate drops below this with
//     enough samples (default 0.5).
//   - MinSampleSize: samples required before the rate warning fires
//     (default 10).
type Config struct {
	Interval         time.Duration
	Window           time.Duration
	SnapshotTTL      time.Duration
	SuccessRateFloor float64
	MinSampleSize    int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 30 * time.Second
	}
	if c.SuccessRateFloor <= 0 {
		c.SuccessRateFloor = 0.5
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 10
	}
	return c
}

// Snapshot is one aggregated view of the system.
type Snapshot struct {
	TakenAt       time.Time                      `json:"taken_at"`
	Jobs          map[dispatch.JobStatus]int     `json:"jobs"`
	Agents        map[dispatch.AgentStatus]int   `json:"agents"`
	SuccessRate   float64                        `json:"success_rate"`
	SampleSize    int                            `json:"sample_size"`
	AvgDurationMs int64                          `json:"avg_duration_ms"`
	Warnings      []string                       `json:"warnings,omitempty"`
}

// Sampler periodically aggregates statistics and caches the snapshot.
type Sampler struct {
	jobs   dispatch.JobStore
	agents dispatch.AgentStore
	clock  dispatch.Clock
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewSampler constructs a Sampler.
func NewSampler(
	jobs dispatch.JobStore,
	agents dispatch.AgentStore,
	clock dispatch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		jobs:   jobs,
		agents: agents,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run samples on a fixed cadence until the context finishes.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sample(ctx); err != nil {
				s.logger.Error("health sample failed", zap.Error(err))
			}
		}
	}
}

// Current returns the cached snapshot when it is still within its TTL,
// sampling fresh otherwise.
func (s *Sampler) Current(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	cached := s.snapshot
	s.mu.RUnlock()
	if cached != nil && s.clock.Now().Sub(cached.TakenAt) < s.cfg.SnapshotTTL {
		return *cached, nil
	}
	return s.Sample(ctx)
}

// Sample aggregates one snapshot and evaluates the warning conditions.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	now := s.clock.Now()

	jobCounts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	agentCounts, err := s.agents.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	completed, failed, avgDuration, err := s.jobs.SuccessStats(ctx, now.Add(-s.cfg.Window))
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		TakenAt:       now,
		Jobs:          jobCounts,
		Agents:        agentCounts,
		SampleSize:    completed + failed,
		AvgDurationMs: avgDuration.Milliseconds(),
	}
	if snap.SampleSize > 0 {
		snap.SuccessRate = float64(completed) / float64(snap.SampleSize)
	}
	snap.Warnings = s.evaluate(snap)

	for status, n := range jobCounts {
		metrics.SetJobsByStatus(string(status), n)
	}
	for status, n := range agentCounts {
		metrics.SetAgentsByStatus(string(status), n)
	}
	metrics.SetTrailingSuccessRate(snap.SuccessRate)

	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()
	return snap, nil
}

// evaluate flags unhealthy conditions as warnings, never errors.
func (s *Sampler) evaluate(snap Snapshot) []string {
	var warnings []string

	active := snap.Agents[dispatch.AgentAvailable] + snap.Agents[dispatch.AgentBusy]
	if active == 0 && snap.Jobs[dispatch.StatusPending] > 0 {
		warnings = append(warnings, "jobs are pending but no agent is active")
		metrics.ObserveHealthWarning("no_active_agents")
	}

	pool := active + snap.Agents[dispatch.AgentUnhealthy]
	if pool > 0 && snap.Agents[dispatch.AgentUnhealthy]*2 > pool {
		warnings = append(warnings, "more than half the agent pool is unhealthy")
		metrics.ObserveHealthWarning("unhealthy_pool")
	}

	if snap.SampleSize >= s.cfg.MinSampleSize && snap.SuccessRate < s.cfg.SuccessRateFloor {
		warnings = append(warnings, "trailing success rate below threshold")
		metrics.ObserveHealthWarning("low_success_rate")
	}

	for _, w := range warnings {
		s.logger.Warn("health condition flagged", zap.String("warning", w))
	}
	return warnings
}
