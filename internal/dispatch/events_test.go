package dispatch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := EventBase{JobID: uuid.New(), UserID: uuid.New(), OccurredAt: now}

	evt := JobFailed{EventBase: base, Error: "agent exploded", RetryCount: 2, WillRetry: true}
	msg, err := EncodeEvent(evt, uuid.New(), now)
	require.NoError(t, err)
	require.Equal(t, string(KindJobFailed), msg.EventType)
	require.Equal(t, now, msg.OccurredAt)
	require.Equal(t, now, msg.NextRetryAt)

	decoded, err := DecodeEvent(msg.EventType, msg.Payload)
	require.NoError(t, err)
	failed, ok := decoded.(JobFailed)
	require.True(t, ok)
	require.Equal(t, evt.Error, failed.Error)
	require.Equal(t, evt.RetryCount, failed.RetryCount)
	require.True(t, failed.WillRetry)
	require.Equal(t, base.JobID, failed.Job())
}

func TestDecodeEventAllKinds(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	base := EventBase{JobID: uuid.New(), UserID: uuid.New(), OccurredAt: now}
	events := []Event{
		JobStarted{EventBase: base, AgentID: uuid.New()},
		JobProgress{EventBase: base, URLsDone: 1, URLsTotal: 3},
		JobCompleted{EventBase: base, DurationMs: 1500},
		JobFailed{EventBase: base, Error: "boom"},
		JobStatusChanged{EventBase: base, From: StatusPending, To: StatusInProgress},
		URLStarted{EventBase: base, URL: "https://example.com"},
		URLCompleted{EventBase: base, URL: "https://example.com", StatusCode: 200, Bytes: 512},
		URLFailed{EventBase: base, URL: "https://example.com", Error: "404"},
		NavigationStep{EventBase: base, URL: "https://example.com", Step: "click"},
		ExtractionDone{EventBase: base, URL: "https://example.com", Fields: 7},
	}

	for _, evt := range events {
		msg, err := EncodeEvent(evt, uuid.New(), now)
		require.NoError(t, err)

		decoded, err := DecodeEvent(msg.EventType, msg.Payload)
		require.NoError(t, err)
		require.Equal(t, evt.Kind(), decoded.Kind())
		require.Equal(t, base.JobID, decoded.Job())
	}
}

func TestDecodeEventUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := DecodeEvent("job.exploded", []byte(`{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event kind")
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.Terminal())
	require.False(t, StatusInProgress.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
}
