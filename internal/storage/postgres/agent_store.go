package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// AgentStore implements dispatch.AgentStore.
type AgentStore struct {
	pool pgPool
}

// NewAgentStore constructs an AgentStore over a shared pool.
func NewAgentStore(pool pgPool) *AgentStore {
	return &AgentStore{pool: pool}
}

const agentColumns = `id, name, crawler_type, endpoint, status, active_jobs, max_jobs,
	consecutive_failures, last_health_check`

// GetAgent loads one agent.
func (s *AgentStore) GetAgent(ctx context.Context, id uuid.UUID) (dispatch.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE id = $1;
	`, id)
	return scanAgent(row)
}

// ListAvailable returns Available agents of the type with spare capacity,
// lowest load first, id as the deterministic tie-break.
func (s *AgentStore) ListAvailable(ctx context.Context, crawlerType string) ([]dispatch.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE status = 'available' AND crawler_type = $1 AND active_jobs < max_jobs
		ORDER BY active_jobs ASC, id ASC;
	`, crawlerType)
	if err != nil {
		return nil, fmt.Errorf("list available agents: %w", err)
	}
	return collectAgents(rows)
}

// ListAgents returns every registered agent.
func (s *AgentStore) ListAgents(ctx context.Context) ([]dispatch.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return collectAgents(rows)
}

// RecordHealthCheck applies one probe outcome in a single statement: a
// failure increments the consecutive counter and flips the agent Unhealthy at
// the threshold; one success resets the counter and recovers it.
func (s *AgentStore) RecordHealthCheck(
	ctx context.Context,
	id uuid.UUID,
	success bool,
	at time.Time,
	failureThreshold int,
) (dispatch.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE agents
		SET consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
			status = CASE
				WHEN $2 AND status = 'unhealthy' THEN 'available'
				WHEN NOT $2 AND consecutive_failures + 1 >= $4
					AND status IN ('available', 'busy') THEN 'unhealthy'
				ELSE status
			END,
			last_health_check = $3
		WHERE id = $1
		RETURNING `+agentColumns+`;
	`, id, success, at, failureThreshold)
	agent, err := scanAgent(row)
	if err != nil {
		return dispatch.Agent{}, err
	}
	return agent, nil
}

// CountByStatus aggregates agents for the health sampler.
func (s *AgentStore) CountByStatus(ctx context.Context) (map[dispatch.AgentStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM agents
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count agents by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[dispatch.AgentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		counts[dispatch.AgentStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent counts: %w", err)
	}
	return counts, nil
}

func collectAgents(rows pgx.Rows) ([]dispatch.Agent, error) {
	defer rows.Close()
	var agents []dispatch.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

func scanAgent(row pgx.Row) (dispatch.Agent, error) {
	var (
		agent  dispatch.Agent
		status string
	)
	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.CrawlerType,
		&agent.Endpoint,
		&status,
		&agent.ActiveJobs,
		&agent.MaxJobs,
		&agent.ConsecutiveFailures,
		&agent.LastHealthCheck,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Agent{}, dispatch.ErrNotFound
	}
	if err != nil {
		return dispatch.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	agent.Status = dispatch.AgentStatus(status)
	return agent, nil
}
