// Package fanout translates scheduler state transitions into typed lifecycle
// events and delivers them to the outbox, live subscribers and the cache.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// GroupAllJobs is the broadcast group receiving every job's events.
const GroupAllJobs = "jobs:all"

// JobGroup returns the broadcast group for a single job.
func JobGroup(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}

// Fanout builds outbox messages for transitions and performs the best-effort
// side effects after commit. Outbox delivery is the durable guarantee; the
// live push and cache invalidation may fail without affecting the job.
type Fanout struct {
	broadcaster dispatch.Broadcaster
	cache       dispatch.Cache
	clock       dispatch.Clock
	logger      *zap.Logger
}

// New constructs a Fanout.
func New(
	broadcaster dispatch.Broadcaster,
	cache dispatch.Cache,
	clock dispatch.Clock,
	logger *zap.Logger,
) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		broadcaster: broadcaster,
		cache:       cache,
		clock:       clock,
		logger:      logger,
	}
}

// Encode serializes the events into outbox messages for the transition's
// transaction, preserving the order given.
func (f *Fanout) Encode(events ...dispatch.Event) ([]dispatch.OutboxMessage, error) {
	msgs := make([]dispatch.OutboxMessage, 0, len(events))
	now := f.clock.Now()
	for _, evt := range events {
		msg, err := dispatch.EncodeEvent(evt, uuid.New(), now)
		if err != nil {
			return nil, fmt.Errorf("encode outbox message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Notify pushes the events to live subscribers and invalidates the read-side
// cache for the job and its owner. Called after the transition commits.
func (f *Fanout) Notify(ctx context.Context, userID uuid.UUID, events ...dispatch.Event) {
	for _, evt := range events {
		name := string(evt.Kind())
		f.broadcaster.BroadcastToGroup(JobGroup(evt.Job()), name, evt)
		f.broadcaster.BroadcastToGroup(GroupAllJobs, name, evt)
	}
	if len(events) == 0 {
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	jobID := events[0].Job()
	if err := f.cache.Remove(cacheCtx, "job:"+jobID.String()); err != nil {
		f.logger.Debug("job cache invalidation failed",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
	if err := f.cache.RemoveByPattern(cacheCtx, "jobs:user:"+userID.String()); err != nil {
		f.logger.Debug("user job-list cache invalidation failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}
