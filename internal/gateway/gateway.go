// Package gateway turns a dispatch intent into a network call against one of
// the worker-agent endpoints, with round-robin balancing, per-attempt
// timeouts, transient retry, a fallback relay and circuit breaking.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// Config controls Gateway behavior.
//   - AttemptTimeout: hard per-attempt deadline (default 60s). Exceeding it
//     fails the attempt and is never retried at this layer.
//   - Breaker: circuit breaker tuning, shared shape across crawler types.
type Config struct {
	AttemptTimeout time.Duration
	Breaker        BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 60 * time.Second
	}
	return c
}

// Gateway performs agent calls on behalf of the scheduler. One circuit
// breaker is kept per crawler type since endpoints of a type are equivalent.
type Gateway struct {
	pool      *EndpointPool
	transport dispatch.AgentTransport
	retry     *RetryPolicy
	clock     dispatch.Clock
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// New constructs a Gateway.
func New(
	pool *EndpointPool,
	transport dispatch.AgentTransport,
	retry *RetryPolicy,
	clock dispatch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Gateway {
	if retry == nil {
		retry = NewRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		pool:      pool,
		transport: transport,
		retry:     retry,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
}

// Call dispatches one crawl request to an endpoint of the agent's type. The
// returned error, if any, carries a failure classification the scheduler uses
// for its own retry decision.
func (g *Gateway) Call(ctx context.Context, agent dispatch.Agent, req dispatch.CrawlRequest) (dispatch.AgentResult, error) {
	breaker := g.breakerFor(agent.CrawlerType)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return dispatch.AgentResult{}, dispatch.NewAgentCallError(dispatch.FailureTransient, ctx.Err())
		}
		// Re-checked per attempt: earlier failures in this very loop may
		// have tripped the breaker.
		if !breaker.Allow(g.clock.Now()) {
			return dispatch.AgentResult{}, dispatch.NewAgentCallError(dispatch.FailureTransient, ErrCircuitOpen)
		}

		endpoint := g.pool.Next(agent.CrawlerType)
		if endpoint == "" {
			endpoint = agent.Endpoint
		}
		if endpoint == "" {
			return dispatch.AgentResult{}, dispatch.NewAgentCallError(
				dispatch.FailurePermanent,
				fmt.Errorf("no endpoint configured for crawler type %q", agent.CrawlerType),
			)
		}

		result, err := g.attempt(ctx, endpoint, req)
		breaker.Record(g.clock.Now(), err == nil)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Timeouts are surfaced immediately: the agent may still be doing
		// the work and a retry would duplicate it.
		if dispatch.ClassOf(err) == dispatch.FailureTimeout {
			return dispatch.AgentResult{}, err
		}
		if !g.retry.ShouldRetry(err, attempt+1) {
			break
		}

		wait := g.retry.Backoff(attempt)
		g.logger.Debug("retrying agent call",
			zap.String("job_id", req.JobID.String()),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return dispatch.AgentResult{}, dispatch.NewAgentCallError(dispatch.FailureTransient, ctx.Err())
		case <-time.After(wait):
		}
	}

	// One fallback attempt through the relay, only for transient failures and
	// only while the breaker still admits calls.
	if relay := g.pool.Relay(agent.CrawlerType); relay != "" &&
		dispatch.ClassOf(lastErr) == dispatch.FailureTransient &&
		breaker.Allow(g.clock.Now()) {
		g.logger.Warn("falling back to relay endpoint",
			zap.String("job_id", req.JobID.String()),
			zap.String("relay", relay),
		)
		result, err := g.attempt(ctx, relay, req)
		breaker.Record(g.clock.Now(), err == nil)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return dispatch.AgentResult{}, lastErr
}

func (g *Gateway) attempt(ctx context.Context, endpoint string, req dispatch.CrawlRequest) (dispatch.AgentResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
	defer cancel()

	result, err := g.transport.Crawl(attemptCtx, endpoint, req)
	if err == nil {
		return result, nil
	}
	var callErr *dispatch.AgentCallError
	if errors.As(err, &callErr) {
		return dispatch.AgentResult{}, err
	}
	return dispatch.AgentResult{}, dispatch.NewAgentCallError(dispatch.ClassifyNetError(err), err)
}

func (g *Gateway) breakerFor(crawlerType string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[crawlerType]
	if !ok {
		b = NewBreaker(g.cfg.Breaker)
		g.breakers[crawlerType] = b
	}
	return b
}
