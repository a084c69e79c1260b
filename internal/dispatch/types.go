// Package dispatch defines the domain model for the crawl-job dispatch core:
// jobs, agents, domain policies, outbox messages, and the capability
// interfaces the surrounding components implement.
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates the crawl-job state machine states.
type JobStatus string

// Job states. Pending jobs are eligible for scheduling; InProgress jobs are
// owned by exactly one agent; Completed, Failed and Cancelled are terminal.
const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders jobs within the scheduler's pull query.
type Priority int

// Priority bands, highest scheduled first.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// String returns the lowercase band name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// CrawlJob is the unit of schedulable work: one user's request to fetch and
// extract a fixed set of URLs. The URL list is immutable after creation.
type CrawlJob struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	URLs        []string
	Status      JobStatus
	Priority    Priority
	AgentID     *uuid.UUID
	CrawlerType string
	Config      map[string]any

	// RetryCount is the number of recorded failures. MaxRetries bounds the
	// total attempts, so a job with MaxRetries=2 fails terminally on its
	// second failure.
	RetryCount int
	MaxRetries int
	// Version guards every transition; a stale version means another
	// scheduler instance already claimed the job.
	Version int64

	// NotBefore delays requeued jobs until the backoff window elapses.
	NotBefore *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	DeletedAt   *time.Time
	LastError   string
}

// AgentStatus enumerates agent availability states.
type AgentStatus string

// Agent states. Only Available agents receive new work.
const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentUnhealthy AgentStatus = "unhealthy"
	AgentOffline   AgentStatus = "offline"
)

// Agent is a worker process capable of executing jobs of its crawler type.
type Agent struct {
	ID          uuid.UUID
	Name        string
	CrawlerType string
	// Endpoint is the agent's base URL, registered out-of-band; the health
	// checker probes <Endpoint>/health.
	Endpoint   string
	Status     AgentStatus
	ActiveJobs int
	MaxJobs    int
	// ConsecutiveFailures drives the unhealthy flip in the directory.
	ConsecutiveFailures int
	LastHealthCheck     *time.Time
}

// PolicyType distinguishes deny rules from allow rules.
type PolicyType string

// Policy types. Blacklist entries always win; the presence of any active
// whitelist entry switches admission from open to closed-by-default.
const (
	PolicyBlacklist PolicyType = "blacklist"
	PolicyWhitelist PolicyType = "whitelist"
)

// DomainPolicy is an access rule evaluated against a job's target URLs at
// admission time. Pattern matches the URL host exactly or as a dot suffix.
type DomainPolicy struct {
	ID      uuid.UUID
	Pattern string
	Type    PolicyType
	// AllowedRoles restricts the rule to a role set; empty means any role.
	AllowedRoles []string
	// MinTier is the minimum subscription tier; zero means no floor.
	MinTier int
	Active  bool
}

// OutboxMessage is a durable record of one lifecycle event awaiting
// publication to the event bus.
type OutboxMessage struct {
	ID          uuid.UUID
	EventType   string
	Payload     []byte
	OccurredAt  time.Time
	ProcessedAt *time.Time
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
}

// AgentResult is the outcome of one dispatched call as seen by the scheduler.
type AgentResult struct {
	// Accepted means the agent returned 202 and the terminal result will
	// arrive later through the callback endpoint.
	Accepted bool
	// Payload carries the synchronous result body when Accepted is false.
	Payload []byte
}
