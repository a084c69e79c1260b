package directory

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
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeAgentStore struct {
	mu        sync.Mutex
	available []dispatch.Agent
	agents    []dispatch.Agent
	listErr   error

	checks []healthCheck
}

type healthCheck struct {
	agentID   uuid.UUID
	success   bool
	at        time.Time
	threshold int
}

func (s *fakeAgentStore) GetAgent(context.Context, uuid.UUID) (dispatch.Agent, error) {
	return dispatch.Agent{}, dispatch.ErrNotFound
}

func (s *fakeAgentStore) ListAvailable(context.Context, string) ([]dispatch.Agent, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.available, nil
}

func (s *fakeAgentStore) ListAgents(context.Context) ([]dispatch.Agent, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.agents, nil
}

func (s *fakeAgentStore) RecordHealthCheck(_ context.Context, id uuid.UUID, success bool, at time.Time, threshold int) (dispatch.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, healthCheck{agentID: id, success: success, at: at, threshold: threshold})
	return dispatch.Agent{ID: id, Status: dispatch.AgentAvailable}, nil
}

func (s *fakeAgentStore) CountByStatus(context.Context) (map[dispatch.AgentStatus]int, error) {
	return nil, nil
}

type probeTransport struct {
	mu      sync.Mutex
	probed  []string
	failFor map[string]error
}

func (t *probeTransport) Crawl(context.Context, string, dispatch.CrawlRequest) (dispatch.AgentResult, error) {
	return dispatch.AgentResult{}, errors.New("not used")
}

func (t *probeTransport) Health(_ context.Context, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probed = append(t.probed, endpoint)
	if t.failFor != nil {
		return t.failFor[endpoint]
	}
	return nil
}

func TestSelectAgent_PicksLeastLoaded(t *testing.T) {
	t.Parallel()

	least := dispatch.Agent{ID: uuid.New(), CrawlerType: "browser", ActiveJobs: 1, MaxJobs: 5}
	busy := dispatch.Agent{ID: uuid.New(), CrawlerType: "browser", ActiveJobs: 4, MaxJobs: 5}
	store := &fakeAgentStore{available: []dispatch.Agent{least, busy}}

	d := New(store, &probeTransport{}, &fakeClock{now: time.Unix(1000, 0)}, Config{}, nil)
	agent, ok, err := d.SelectAgent(context.Background(), "browser")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, least.ID, agent.ID)
}

func TestSelectAgent_NoneAvailableIsNotAnError(t *testing.T) {
	t.Parallel()

	d := New(&fakeAgentStore{}, &probeTransport{}, &fakeClock{now: time.Unix(1000, 0)}, Config{}, nil)
	_, ok, err := d.SelectAgent(context.Background(), "browser")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSelectAgent_StoreError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("db down")
	d := New(&fakeAgentStore{listErr: storeErr}, &probeTransport{}, &fakeClock{now: time.Unix(1000, 0)}, Config{}, nil)
	_, ok, err := d.SelectAgent(context.Background(), "browser")
	require.ErrorIs(t, err, storeErr)
	require.False(t, ok)
}

func TestRecordHealthCheck_UsesConfiguredThreshold(t *testing.T) {
	t.Parallel()

	store := &fakeAgentStore{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := New(store, &probeTransport{}, clock, Config{FailureThreshold: 5}, nil)

	agentID := uuid.New()
	_, err := d.RecordHealthCheck(context.Background(), agentID, false)
	require.NoError(t, err)

	require.Len(t, store.checks, 1)
	check := store.checks[0]
	require.Equal(t, agentID, check.agentID)
	require.False(t, check.success)
	require.Equal(t, clock.now, check.at)
	require.Equal(t, 5, check.threshold)
}

func TestCheckAll_ProbesOnlyReachableAgents(t *testing.T) {
	t.Parallel()

	online := dispatch.Agent{ID: uuid.New(), Endpoint: "http://a:9000", Status: dispatch.AgentAvailable}
	unhealthy := dispatch.Agent{ID: uuid.New(), Endpoint: "http://b:9000", Status: dispatch.AgentUnhealthy}
	offline := dispatch.Agent{ID: uuid.New(), Endpoint: "http://c:9000", Status: dispatch.AgentOffline}
	unregistered := dispatch.Agent{ID: uuid.New(), Status: dispatch.AgentAvailable}
	store := &fakeAgentStore{agents: []dispatch.Agent{online, unhealthy, offline, unregistered}}
	transport := &probeTransport{}

	d := New(store, transport, &fakeClock{now: time.Unix(1000, 0)}, Config{}, nil)
	d.checkAll(context.Background())

	require.Equal(t, []string{"http://a:9000", "http://b:9000"}, transport.probed,
		"offline agents and agents without an endpoint are skipped")
	require.Len(t, store.checks, 2)
}

func TestCheckAll_RecordsProbeOutcome(t *testing.T) {
	t.Parallel()

	healthy := dispatch.Agent{ID: uuid.New(), Endpoint: "http://a:9000", Status: dispatch.AgentAvailable}
	failing := dispatch.Agent{ID: uuid.New(), Endpoint: "http://b:9000", Status: dispatch.AgentAvailable}
	store := &fakeAgentStore{agents: []dispatch.Agent{healthy, failing}}
	transport := &probeTransport{failFor: map[string]error{
		"http://b:9000": errors.New("connection refused"),
	}}

	d := New(store, transport, &fakeClock{now: time.Unix(1000, 0)}, Config{}, nil)
	d.checkAll(context.Background())

	require.Len(t, store.checks, 2)
	require.True(t, store.checks[0].success)
	require.False(t, store.checks[1].success)
}
