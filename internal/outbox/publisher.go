// Package outbox drains durably recorded lifecycle events to the event bus.
//
// Rows are written by the job store inside the transaction that performed the
// state change; this publisher only reads, publishes and stamps them. A
// message is eventually published at least once; consumers must be
// idempotent because the transport may redeliver.
package outbox

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
	"github.com/studypulse/crawldispatch/internal/metrics"
)

// Config controls the publisher loop.
//   - Interval: drain cadence (default 30s).
//   - BatchSize: max messages per pass (default 100).
//   - MaxRetries: attempts before a message is left in an error state for
//     manual inspection (default 10). It is never deleted.
//   - BaseBackoff / MaxBackoff: exponential retry schedule bounds
//     (defaults 1m / 1h).
type Config struct {
	Topic       string
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	return c
}

// Publisher drains due outbox messages on a fixed interval.
type Publisher struct {
	store  dispatch.OutboxStore
	bus    dispatch.BusClient
	clock  dispatch.Clock
	cfg    Config
	logger *zap.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(
	store dispatch.OutboxStore,
	bus dispatch.BusClient,
	clock dispatch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		store:  store,
		bus:    bus,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run drains the outbox until the context finishes.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain performs one publisher pass. Exported so the API can trigger an
// immediate flush and tests can drive the loop synchronously.
func (p *Publisher) Drain(ctx context.Context) {
	now := p.clock.Now()
	msgs, err := p.store.ListDue(ctx, now, p.cfg.BatchSize, p.cfg.MaxRetries)
	if err != nil {
		p.logger.Error("list due outbox messages failed", zap.Error(err))
		return
	}
	metrics.SetOutboxBacklog(len(msgs))
	for _, msg := range msgs {
		p.publishOne(ctx, msg)
	}
}

func (p *Publisher) publishOne(ctx context.Context, msg dispatch.OutboxMessage) {
	headers := map[string]string{
		"event_type":  msg.EventType,
		"occurred_at": msg.OccurredAt.Format(time.RFC3339Nano),
	}
	err := p.bus.Publish(ctx, p.cfg.Topic, partitionKey(msg), msg.Payload, headers)
	metrics.ObserveOutboxPublish(err == nil)
	if err == nil {
		if markErr := p.store.MarkProcessed(ctx, msg.ID, p.clock.Now()); markErr != nil {
			p.logger.Error("mark outbox message processed failed",
				zap.String("message_id", msg.ID.String()),
				zap.Error(markErr),
			)
		}
		return
	}

	retries := msg.RetryCount + 1
	if retries >= p.cfg.MaxRetries {
		// Fatal for the message, not the process. The bumped retry_count
		// takes it past the ListDue ceiling, so it stays parked with its
		// last_error until someone resets it.
		p.logger.Error("outbox message exceeded max retries",
			zap.String("message_id", msg.ID.String()),
			zap.String("event_type", msg.EventType),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	} else {
		p.logger.Warn("outbox publish failed, will retry",
			zap.String("message_id", msg.ID.String()),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	}
	next := p.clock.Now().Add(p.backoff(retries))
	if markErr := p.store.MarkFailed(ctx, msg.ID, err.Error(), next); markErr != nil {
		p.logger.Error("mark outbox message failed failed",
			zap.String("message_id", msg.ID.String()),
			zap.Error(markErr),
		)
	}
}

func (p *Publisher) backoff(retries int) time.Duration {
	delay := float64(p.cfg.BaseBackoff) * math.Pow(2, float64(retries-1))
	if delay > float64(p.cfg.MaxBackoff) {
		delay = float64(p.cfg.MaxBackoff)
	}
	return time.Duration(delay)
}

// partitionKey keys bus messages by job id so per-job emission order survives
// partitioned transports; the message id is the fallback.
func partitionKey(msg dispatch.OutboxMessage) string {
	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err == nil && probe.JobID != "" {
		return probe.JobID
	}
	return msg.ID.String()
}
