package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStore persists crawl jobs. Every transition method appends the supplied
// outbox messages in the same transaction as the state change, which is what
// makes event publication survive a crash right after commit.
type JobStore interface {
	// CreateJob inserts a Pending job plus its admission events atomically.
	CreateJob(ctx context.Context, job CrawlJob, events []OutboxMessage) error
	GetJob(ctx context.Context, id uuid.UUID) (CrawlJob, error)
	// PullPending returns Pending jobs whose backoff window has elapsed,
	// ordered by priority descending then creation time ascending, with at
	// most highBandCap rows from the High/Urgent bands.
	PullPending(ctx context.Context, limit, highBandCap int) ([]CrawlJob, error)
	// ClaimJob transitions Pending to InProgress guarded by the stored
	// version, assigns the agent and increments its active count. Returns
	// ErrVersionConflict when another instance won the race.
	ClaimJob(ctx context.Context, jobID uuid.UUID, version int64, agentID uuid.UUID, startedAt time.Time, events []OutboxMessage) error
	// CompleteJob transitions InProgress to Completed and releases the agent.
	CompleteJob(ctx context.Context, jobID uuid.UUID, version int64, result []byte, completedAt time.Time, events []OutboxMessage) error
	// FailJob transitions InProgress to terminal Failed and releases the agent.
	FailJob(ctx context.Context, jobID uuid.UUID, version int64, errText string, failedAt time.Time, events []OutboxMessage) error
	// RequeueJob transitions InProgress back to Pending with an incremented
	// retry count and a not-before backoff timestamp, releasing the agent.
	RequeueJob(ctx context.Context, jobID uuid.UUID, version int64, errText string, notBefore time.Time, events []OutboxMessage) error
	// CancelJob terminally cancels a Pending or InProgress job.
	CancelJob(ctx context.Context, jobID uuid.UUID, version int64, cancelledAt time.Time, events []OutboxMessage) error
	// SoftDeleteJob hides an acknowledged terminal job from listings.
	SoftDeleteJob(ctx context.Context, jobID uuid.UUID, deletedAt time.Time) error
	// CountByStatus aggregates live jobs for the health sampler.
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	// SuccessStats returns completed/failed counts and the mean processing
	// duration over the trailing window.
	SuccessStats(ctx context.Context, since time.Time) (completed, failed int, avgDuration time.Duration, err error)
}

// AgentStore persists worker agents and their health state.
type AgentStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (Agent, error)
	// ListAvailable returns Available agents of the crawler type with spare
	// capacity, ordered by active count ascending then id.
	ListAvailable(ctx context.Context, crawlerType string) ([]Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	// RecordHealthCheck updates the consecutive-failure counter and flips
	// status at the threshold, returning the updated agent.
	RecordHealthCheck(ctx context.Context, id uuid.UUID, success bool, at time.Time, failureThreshold int) (Agent, error)
	// CountByStatus aggregates agents for the health sampler.
	CountByStatus(ctx context.Context) (map[AgentStatus]int, error)
}

// PolicyStore loads the active domain policies for admission checks.
type PolicyStore interface {
	ListActive(ctx context.Context) ([]DomainPolicy, error)
}

// OutboxStore is the publisher's view of the outbox. Rows are inserted by the
// JobStore transition methods, never by the publisher.
type OutboxStore interface {
	// ListDue returns unprocessed messages whose next_retry_at has elapsed,
	// ordered by occurred_at ascending. Messages at or past maxRetries are
	// never returned; they stay parked for manual inspection.
	ListDue(ctx context.Context, now time.Time, limit, maxRetries int) ([]OutboxMessage, error)
	// MarkProcessed stamps processed_at; the message is never touched again.
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed records the error and schedules the next attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, errText string, nextRetryAt time.Time) error
}

// BusClient publishes serialized events to the external event bus. Delivery
// is at-least-once; consumers must be idempotent.
type BusClient interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// Broadcaster pushes events to live real-time subscribers. Fire-and-forget:
// failures are logged, never propagated into the state transition.
type Broadcaster interface {
	BroadcastToGroup(groupID string, eventName string, payload any)
}

// Cache invalidates read-side entries on job transitions. Best-effort.
type Cache interface {
	Remove(ctx context.Context, key string) error
	RemoveByPattern(ctx context.Context, prefix string) error
}

// AgentTransport performs the network call to a worker agent endpoint.
type AgentTransport interface {
	Crawl(ctx context.Context, endpoint string, req CrawlRequest) (AgentResult, error)
	Health(ctx context.Context, endpoint string) error
}

// CrawlRequest is the wire payload of one dispatch attempt. URL duplicates
// the first entry of URLs for agents that take a single seed.
type CrawlRequest struct {
	JobID           uuid.UUID         `json:"job_id"`
	UserID          uuid.UUID         `json:"user_id"`
	URL             string            `json:"url"`
	URLs            []string          `json:"urls,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	NavigationSteps []string          `json:"navigation_steps,omitempty"`
	Config          map[string]any    `json:"config,omitempty"`
	Headers         map[string]string `json:"-"`
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
