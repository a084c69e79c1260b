package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates lifecycle event payloads on the wire.
type EventKind string

// The closed set of lifecycle event kinds. Payloads are decoded exactly once
// at the bus boundary via DecodeEvent; there is no dynamic dispatch beyond
// this switch.
const (
	KindJobStarted       EventKind = "job.started"
	KindJobProgress      EventKind = "job.progress"
	KindJobCompleted     EventKind = "job.completed"
	KindJobFailed        EventKind = "job.failed"
	KindJobStatusChanged EventKind = "job.status_changed"
	KindURLStarted       EventKind = "url.started"
	KindURLCompleted     EventKind = "url.completed"
	KindURLFailed        EventKind = "url.failed"
	KindNavigationStep   EventKind = "url.navigation"
	KindExtractionDone   EventKind = "url.extraction"
)

// Event is a typed lifecycle event emitted on job state transitions.
type Event interface {
	Kind() EventKind
	// Job returns the owning job id used to key live subscriber groups.
	Job() uuid.UUID
}

// EventBase carries the fields shared by every lifecycle event.
type EventBase struct {
	JobID      uuid.UUID `json:"job_id"`
	UserID     uuid.UUID `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Job implements Event.
func (b EventBase) Job() uuid.UUID { return b.JobID }

// JobStarted marks the Pending to InProgress transition.
type JobStarted struct {
	EventBase
	AgentID uuid.UUID `json:"agent_id"`
}

// Kind implements Event.
func (JobStarted) Kind() EventKind { return KindJobStarted }

// JobProgress reports coarse completion counts mid-flight.
type JobProgress struct {
	EventBase
	URLsDone  int `json:"urls_done"`
	URLsTotal int `json:"urls_total"`
}

// Kind implements Event.
func (JobProgress) Kind() EventKind { return KindJobProgress }

// JobCompleted marks a terminal successful run.
type JobCompleted struct {
	EventBase
	DurationMs int64 `json:"duration_ms"`
}

// Kind implements Event.
func (JobCompleted) Kind() EventKind { return KindJobCompleted }

// JobFailed marks either a terminal failure or a requeue; WillRetry
// distinguishes the two for subscribers.
type JobFailed struct {
	EventBase
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	WillRetry  bool   `json:"will_retry"`
}

// Kind implements Event.
func (JobFailed) Kind() EventKind { return KindJobFailed }

// JobStatusChanged is the generic transition record kept for audit.
type JobStatusChanged struct {
	EventBase
	From JobStatus `json:"from"`
	To   JobStatus `json:"to"`
}

// Kind implements Event.
func (JobStatusChanged) Kind() EventKind { return KindJobStatusChanged }

// URLStarted marks the beginning of work on a single target URL.
type URLStarted struct {
	EventBase
	URL string `json:"url"`
}

// Kind implements Event.
func (URLStarted) Kind() EventKind { return KindURLStarted }

// URLCompleted marks a single target URL finishing successfully.
type URLCompleted struct {
	EventBase
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Bytes      int64  `json:"bytes"`
}

// Kind implements Event.
func (URLCompleted) Kind() EventKind { return KindURLCompleted }

// URLFailed marks a single target URL failing.
type URLFailed struct {
	EventBase
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Kind implements Event.
func (URLFailed) Kind() EventKind { return KindURLFailed }

// NavigationStep reports an agent-side navigation action on a URL.
type NavigationStep struct {
	EventBase
	URL    string `json:"url"`
	Step   string `json:"step"`
	Detail string `json:"detail,omitempty"`
}

// Kind implements Event.
func (NavigationStep) Kind() EventKind { return KindNavigationStep }

// ExtractionDone reports an agent-side extraction result for a URL.
type ExtractionDone struct {
	EventBase
	URL    string `json:"url"`
	Fields int    `json:"fields"`
}

// Kind implements Event.
func (ExtractionDone) Kind() EventKind { return KindExtractionDone }

// EncodeEvent serializes an event into an outbox message ready to be appended
// in the same transaction as the transition that produced it.
func EncodeEvent(evt Event, id uuid.UUID, now time.Time) (OutboxMessage, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s event: %w", evt.Kind(), err)
	}
	return OutboxMessage{
		ID:          id,
		EventType:   string(evt.Kind()),
		Payload:     data,
		OccurredAt:  now,
		NextRetryAt: now,
	}, nil
}

// DecodeEvent deserializes a bus payload into its typed event. Unknown kinds
// are an error so consumers fail loudly on schema drift.
func DecodeEvent(kind string, payload []byte) (Event, error) {
	var (
		evt Event
		err error
	)
	switch EventKind(kind) {
	case KindJobStarted:
		evt, err = decodeInto[JobStarted](payload)
	case KindJobProgress:
		evt, err = decodeInto[JobProgress](payload)
	case KindJobCompleted:
		evt, err = decodeInto[JobCompleted](payload)
	case KindJobFailed:
		evt, err = decodeInto[JobFailed](payload)
	case KindJobStatusChanged:
		evt, err = decodeInto[JobStatusChanged](payload)
	case KindURLStarted:
		evt, err = decodeInto[URLStarted](payload)
	case KindURLCompleted:
		evt, err = decodeInto[URLCompleted](payload)
	case KindURLFailed:
		evt, err = decodeInto[URLFailed](payload)
	case KindNavigationStep:
		evt, err = decodeInto[NavigationStep](payload)
	case KindExtractionDone:
		evt, err = decodeInto[ExtractionDone](payload)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	return evt, nil
}

func decodeInto[T Event](payload []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
