// Package directory tracks worker agents and selects assignment targets.
package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// Config controls directory behavior.
//   - FailureThreshold: consecutive failed health checks before an agent is
//     marked Unhealthy (default 3). One success recovers it.
//   - CheckInterval: cadence of the health-check loop (default 30s).
//   - CheckTimeout: per-probe deadline (default 5s).
type Config struct {
	FailureThreshold int
	CheckInterval    time.Duration
	CheckTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	return c
}

// Directory selects agents for dispatch and maintains their health state.
// It emits no events itself; job-level events belong to the scheduler.
type Directory struct {
	store     dispatch.AgentStore
	transport dispatch.AgentTransport
	clock     dispatch.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Directory.
func New(
	store dispatch.AgentStore,
	transport dispatch.AgentTransport,
	clock dispatch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:     store,
		transport: transport,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// SelectAgent returns the Available agent of the crawler type with the lowest
// active-job count, ties broken by id. The second return is false when no
// agent qualifies; that is backpressure, not an error.
func (d *Directory) SelectAgent(ctx context.Context, crawlerType string) (dispatch.Agent, bool, error) {
	agents, err := d.store.ListAvailable(ctx, crawlerType)
	if err != nil {
		return dispatch.Agent{}, false, err
	}
	if len(agents) == 0 {
		return dispatch.Agent{}, false, nil
	}
	// ListAvailable orders by active count then id, so the head is the pick.
	return agents[0], true, nil
}

// RecordHealthCheck applies one probe outcome at the configured threshold.
func (d *Directory) RecordHealthCheck(ctx context.Context, agentID uuid.UUID, success bool) (dispatch.Agent, error) {
	return d.store.RecordHealthCheck(ctx, agentID, success, d.clock.Now(), d.cfg.FailureThreshold)
}

// RunHealthChecks probes every known agent on a fixed cadence until the
// context finishes.
func (d *Directory) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkAll(ctx)
		}
	}
}

func (d *Directory) checkAll(ctx context.Context) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		d.logger.Error("list agents for health check failed", zap.Error(err))
		return
	}
	for _, agent := range agents {
		if agent.Status == dispatch.AgentOffline || agent.Endpoint == "" {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.CheckTimeout)
		err := d.transport.Health(probeCtx, agent.Endpoint)
		cancel()

		updated, recErr := d.RecordHealthCheck(ctx, agent.ID, err == nil)
		if recErr != nil {
			d.logger.Error("record health check failed",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(recErr),
			)
			continue
		}
		if updated.Status != agent.Status {
			d.logger.Warn("agent status changed",
				zap.String("agent_id", agent.ID.String()),
				zap.String("from", string(agent.Status)),
				zap.String("to", string(updated.Status)),
			)
		}
	}
}
