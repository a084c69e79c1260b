package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/studypulse/crawldispatch/internal/bus"
	"github.com/studypulse/crawldispatch/internal/dispatch"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeOutboxStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]dispatch.OutboxMessage
	listErr  error
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{messages: make(map[uuid.UUID]dispatch.OutboxMessage)}
}

func (s *fakeOutboxStore) put(msg dispatch.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
}

func (s *fakeOutboxStore) get(id uuid.UUID) dispatch.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *fakeOutboxStore) ListDue(_ context.Context, now time.Time, limit, maxRetries int) ([]dispatch.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var due []dispatch.OutboxMessage
	for _, msg := range s.messages {
		if msg.ProcessedAt == nil && !msg.NextRetryAt.After(now) && msg.RetryCount < maxRetries {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].OccurredAt.Before(due[j].OccurredAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeOutboxStore) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.ProcessedAt != nil {
		return dispatch.ErrNotFound
	}
	msg.ProcessedAt = &at
	s.messages[id] = msg
	return nil
}

func (s *fakeOutboxStore) MarkFailed(_ context.Context, id uuid.UUID, errText string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return dispatch.ErrNotFound
	}
	msg.RetryCount++
	msg.LastError = errText
	msg.NextRetryAt = nextRetryAt
	s.messages[id] = msg
	return nil
}

func message(jobID uuid.UUID, occurredAt time.Time) dispatch.OutboxMessage {
	payload, _ := json.Marshal(map[string]string{"job_id": jobID.String()})
	return dispatch.OutboxMessage{
		ID:          uuid.New(),
		EventType:   string(dispatch.KindJobStarted),
		Payload:     payload,
		OccurredAt:  occurredAt,
		NextRetryAt: occurredAt,
	}
}

func TestDrain_PublishesAndMarksProcessed(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeOutboxStore()
	client := bus.NewMemoryClient()

	jobID := uuid.New()
	first := message(jobID, clock.now.Add(-2*time.Minute))
	second := message(jobID, clock.now.Add(-time.Minute))
	store.put(second)
	store.put(first)

	p := NewPublisher(store, client, clock, Config{Topic: "crawl.events"}, nil)
	p.Drain(context.Background())

	msgs := client.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "crawl.events", msgs[0].Topic)
	require.Equal(t, jobID.String(), msgs[0].Key, "messages are keyed by job id")
	require.Equal(t, string(dispatch.KindJobStarted), msgs[0].Headers["event_type"])

	// Oldest first so per-job order survives.
	require.Equal(t, first.Payload, msgs[0].Payload)
	require.Equal(t, second.Payload, msgs[1].Payload)

	require.NotNil(t, store.get(first.ID).ProcessedAt)
	require.NotNil(t, store.get(second.ID).ProcessedAt)
}

func TestDrain_ProcessedMessagesAreNotRepublished(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeOutboxStore()
	client := bus.NewMemoryClient()
	store.put(message(uuid.New(), clock.now.Add(-time.Minute)))

	p := NewPublisher(store, client, clock, Config{Topic: "crawl.events"}, nil)
	p.Drain(context.Background())
	p.Drain(context.Background())

	require.Len(t, client.Messages(), 1)
}

func TestDrain_FailureSchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeOutboxStore()
	client := bus.NewMemoryClient()
	client.FailNext(1, errors.New("broker unavailable"))

	msg := message(uuid.New(), clock.now.Add(-time.Minute))
	store.put(msg)

	p := NewPublisher(store, client, clock, Config{
		Topic:       "crawl.events",
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
	}, nil)
	p.Drain(context.Background())

	got := store.get(msg.ID)
	require.Nil(t, got.ProcessedAt)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "broker unavailable", got.LastError)
	require.Equal(t, clock.now.Add(time.Minute), got.NextRetryAt)

	// Not due yet, then due again once the backoff window elapses.
	p.Drain(context.Background())
	require.Empty(t, client.Messages())

	clock.now = clock.now.Add(2 * time.Minute)
	p.Drain(context.Background())
	require.Len(t, client.Messages(), 1)
	require.NotNil(t, store.get(msg.ID).ProcessedAt)
}

func TestDrain_BackoffDoublesPerRetry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeOutboxStore()
	client := bus.NewMemoryClient()
	client.FailNext(2, errors.New("broker unavailable"))

	msg := message(uuid.New(), clock.now.Add(-time.Minute))
	msg.RetryCount = 1
	store.put(msg)

	p := NewPublisher(store, client, clock, Config{
		Topic:       "crawl.events",
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
	}, nil)
	p.Drain(context.Background())

	require.Equal(t, clock.now.Add(2*time.Minute), store.get(msg.ID).NextRetryAt)
}

func TestDrain_ExhaustedMessageIsParkedNotDeleted(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeOutboxStore()
	client := bus.NewMemoryClient()
	client.FailNext(1, errors.New("broker unavailable"))

	msg := message(uuid.New(), clock.now.Add(-time.Minute))
	msg.RetryCount = 2
	store.put(msg)

	p := NewPublisher(store, client, clock, Config{
		Topic:       "crawl.events",
		MaxRetries:  3,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
	}, nil)
	p.Drain(context.Background())

	got := store.get(msg.ID)
	require.Nil(t, got.ProcessedAt, "exhausted messages stay in the table")
	require.Equal(t, 3, got.RetryCount)
	require.Equal(t, "broker unavailable", got.LastError)

	// No amount of elapsed time brings it back: the row is out of budget and
	// waits for manual remediation.
	clock.now = clock.now.Add(24 * time.Hour)
	p.Drain(context.Background())
	require.Empty(t, client.Messages())
	require.Equal(t, 3, store.get(msg.ID).RetryCount)
}

func TestDrain_PartitionKeyFallsBackToMessageID(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeOutboxStore()
	client := bus.NewMemoryClient()

	msg := dispatch.OutboxMessage{
		ID:          uuid.New(),
		EventType:   string(dispatch.KindJobStarted),
		Payload:     []byte(`{"no_job_id":true}`),
		OccurredAt:  clock.now.Add(-time.Minute),
		NextRetryAt: clock.now.Add(-time.Minute),
	}
	store.put(msg)

	p := NewPublisher(store, client, clock, Config{Topic: "crawl.events"}, nil)
	p.Drain(context.Background())

	msgs := client.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, msg.ID.String(), msgs[0].Key)
}

func TestDrain_ListErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := newFakeOutboxStore()
	store.listErr = errors.New("db down")

	p := NewPublisher(store, bus.NewMemoryClient(), clock, Config{Topic: "crawl.events"}, nil)
	p.Drain(context.Background())
}

func TestDrain_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeOutboxStore()
	client := bus.NewMemoryClient()
	for i := 0; i < 5; i++ {
		store.put(message(uuid.New(), clock.now.Add(time.Duration(-i-1)*time.Minute)))
	}

	p := NewPublisher(store, client, clock, Config{Topic: "crawl.events", BatchSize: 2}, nil)
	p.Drain(context.Background())
	require.Len(t, client.Messages(), 2)

	p.Drain(context.Background())
	p.Drain(context.Background())
	require.Len(t, client.Messages(), 5)
}
