package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type statsJobStore struct {
	counts      map[dispatch.JobStatus]int
	completed   int
	failed      int
	avgDuration time.Duration
	err         error

	mu    sync.Mutex
	calls int
}

func (s *statsJobStore) CountByStatus(context.Context) (map[dispatch.JobStatus]int, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.counts, nil
}

func (s *statsJobStore) SuccessStats(context.Context, time.Time) (int, int, time.Duration, error) {
	return s.completed, s.failed, s.avgDuration, nil
}

func (s *statsJobStore) sampleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *statsJobStore) CreateJob(context.Context, dispatch.CrawlJob, []dispatch.OutboxMessage) error {
	return nil
}

func (s *statsJobStore) GetJob(context.Context, uuid.UUID) (dispatch.CrawlJob, error) {
	return dispatch.CrawlJob{}, dispatch.ErrNotFound
}

func (s *statsJobStore) PullPending(context.Context, int, int) ([]dispatch.CrawlJob, error) {
	return nil, nil
}

func (s *statsJobStore) ClaimJob(context.Context, uuid.UUID, int64, uuid.UUID, time.Time, []dispatch.OutboxMessage) error {
	return nil
}

func (s *statsJobStore) CompleteJob(context.Context, uuid.UUID, int64, []byte, time.Time, []dispatch.OutboxMessage) error {
	return nil
}

func (s *statsJobStore) FailJob(context.Context, uuid.UUID, int64, string, time.Time, []dispatch.OutboxMessage) error {
	return nil
}

func (s *statsJobStore) RequeueJob(context.Context, uuid.UUID, int64, string, time.Time, []dispatch.OutboxMessage) error {
	return nil
}

func (s *statsJobStore) CancelJob(context.Context, uuid.UUID, int64, time.Time, []dispatch.OutboxMessage) error {
	return nil
}

func (s *statsJobStore) SoftDeleteJob(context.Context, uuid.UUID, time.Time) error { return nil }

type statsAgentStore struct {
	counts map[dispatch.AgentStatus]int
}

func (s *statsAgentStore) GetAgent(context.Context, uuid.UUID) (dispatch.Agent, error) {
	return dispatch.Agent{}, dispatch.ErrNotFound
}

func (s *statsAgentStore) ListAvailable(context.Context, string) ([]dispatch.Agent, error) {
	return nil, nil
}

func (s *statsAgentStore) ListAgents(context.Context) ([]dispatch.Agent, error) { return nil, nil }

func (s *statsAgentStore) RecordHealthCheck(context.Context, uuid.UUID, bool, time.Time, int) (dispatch.Agent, error) {
	return dispatch.Agent{}, dispatch.ErrNotFound
}

func (s *statsAgentStore) CountByStatus(context.Context) (map[dispatch.AgentStatus]int, error) {
	return s.counts, nil
}

func TestSample_AggregatesCounts(t *testing.T) {
	t.Parallel()

	jobs := &statsJobStore{
		counts:      map[dispatch.JobStatus]int{dispatch.StatusPending: 3, dispatch.StatusInProgress: 1},
		completed:   8,
		failed:      2,
		avgDuration: 1500 * time.Millisecond,
	}
	agents := &statsAgentStore{counts: map[dispatch.AgentStatus]int{dispatch.AgentAvailable: 2}}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	s := NewSampler(jobs, agents, clock, Config{}, nil)
	snap, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, clock.Now(), snap.TakenAt)
	require.Equal(t, 3, snap.Jobs[dispatch.StatusPending])
	require.Equal(t, 2, snap.Agents[dispatch.AgentAvailable])
	require.Equal(t, 10, snap.SampleSize)
	require.InDelta(t, 0.8, snap.SuccessRate, 0.001)
	require.Equal(t, int64(1500), snap.AvgDurationMs)
	require.Empty(t, snap.Warnings)
}

func TestSample_WarnsWhenPendingJobsHaveNoAgents(t *testing.T) {
	t.Parallel()

	jobs := &statsJobStore{counts: map[dispatch.JobStatus]int{dispatch.StatusPending: 5}}
	agents := &statsAgentStore{counts: map[dispatch.AgentStatus]int{dispatch.AgentOffline: 2}}
	clock := &fakeClock{now: time.Unix(1000, 0)}

	s := NewSampler(jobs, agents, clock, Config{}, nil)
	snap, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Warnings, "jobs are pending but no agent is active")
}

func TestSample_WarnsOnUnhealthyMajority(t *testing.T) {
	t.Parallel()

	jobs := &statsJobStore{}
	agents := &statsAgentStore{counts: map[dispatch.AgentStatus]int{
		dispatch.AgentAvailable: 1,
		dispatch.AgentUnhealthy: 2,
	}}
	clock := &fakeClock{now: time.Unix(1000, 0)}

	s := NewSampler(jobs, agents, clock, Config{}, nil)
	snap, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Warnings, "more than half the agent pool is unhealthy")
}

func TestSample_WarnsOnLowSuccessRateOnlyWithEnoughSamples(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	agents := &statsAgentStore{counts: map[dispatch.AgentStatus]int{dispatch.AgentAvailable: 1}}

	small := &statsJobStore{completed: 1, failed: 4}
	s := NewSampler(small, agents, clock, Config{MinSampleSize: 10}, nil)
	snap, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Warnings, "five samples is below the floor's minimum")

	large := &statsJobStore{completed: 2, failed: 8}
	s = NewSampler(large, agents, clock, Config{MinSampleSize: 10}, nil)
	snap, err = s.Sample(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Warnings, "trailing success rate below threshold")
}

func TestCurrent_CachesWithinTTL(t *testing.T) {
	t.Parallel()

	jobs := &statsJobStore{counts: map[dispatch.JobStatus]int{}}
	agents := &statsAgentStore{counts: map[dispatch.AgentStatus]int{}}
	clock := &fakeClock{now: time.Unix(1000, 0)}

	s := NewSampler(jobs, agents, clock, Config{SnapshotTTL: 30 * time.Second}, nil)

	_, err := s.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, jobs.sampleCalls())

	clock.advance(10 * time.Second)
	_, err = s.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, jobs.sampleCalls(), "fresh snapshot served from cache")

	clock.advance(time.Minute)
	_, err = s.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, jobs.sampleCalls(), "stale snapshot resampled")
}

func TestSample_StoreErrorPropagates(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("db down")
	jobs := &statsJobStore{err: storeErr}
	agents := &statsAgentStore{}
	s := NewSampler(jobs, agents, &fakeClock{now: time.Unix(1000, 0)}, Config{}, nil)

	_, err := s.Sample(context.Background())
	require.ErrorIs(t, err, storeErr)
}
