package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// JobStore implements dispatch.JobStore. Every transition runs inside one
// transaction together with its outbox rows and the agent counter update, so
// a crash can never separate a state change from its events.
type JobStore struct {
	pool pgPool
}

// NewJobStore constructs a JobStore over a shared pool.
func NewJobStore(pool pgPool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `id, user_id, urls, status, priority, agent_id, crawler_type, config,
	retry_count, max_retries, version, not_before,
	created_at, started_at, completed_at, failed_at, deleted_at, last_error`

// CreateJob inserts a Pending job plus its admission events.
func (s *JobStore) CreateJob(ctx context.Context, job dispatch.CrawlJob, events []dispatch.OutboxMessage) error {
	configJSON, err := marshalConfig(job.Config)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO crawl_jobs (id, user_id, urls, status, priority, crawler_type, config,
				retry_count, max_retries, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
		`,
			job.ID,
			job.UserID,
			job.URLs,
			string(job.Status),
			int(job.Priority),
			job.CrawlerType,
			configJSON,
			job.RetryCount,
			job.MaxRetries,
			job.Version,
			job.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return appendOutbox(ctx, tx, events)
	})
}

// GetJob loads one job; soft-deleted jobs are invisible.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (dispatch.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM crawl_jobs
		WHERE id = $1 AND deleted_at IS NULL;
	`, id)
	return scanJob(row)
}

// PullPending selects schedulable Pending jobs ordered by priority band then
// FIFO, taking at most highBandCap rows from the High/Urgent bands per pull
// so lower bands cannot starve forever.
func (s *JobStore) PullPending(ctx context.Context, limit, highBandCap int) ([]dispatch.CrawlJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM (
			(SELECT `+jobColumns+`
				FROM crawl_jobs
				WHERE status = 'pending' AND deleted_at IS NULL
					AND (not_before IS NULL OR not_before <= NOW())
					AND priority >= 2
				ORDER BY priority DESC, created_at ASC
				LIMIT $2)
			UNION ALL
			(SELECT `+jobColumns+`
				FROM crawl_jobs
				WHERE status = 'pending' AND deleted_at IS NULL
					AND (not_before IS NULL OR not_before <= NOW())
					AND priority < 2
				ORDER BY priority DESC, created_at ASC
				LIMIT $1)
		) AS banded
		ORDER BY priority DESC, created_at ASC
		LIMIT $1;
	`, limit, highBandCap)
	if err != nil {
		return nil, fmt.Errorf("pull pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []dispatch.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob performs the Pending to InProgress CAS, assigns the agent and
// bumps its active count. The version guard is what keeps two scheduler
// instances from both claiming the job.
func (s *JobStore) ClaimJob(
	ctx context.Context,
	jobID uuid.UUID,
	version int64,
	agentID uuid.UUID,
	startedAt time.Time,
	events []dispatch.OutboxMessage,
) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE crawl_jobs
			SET status = 'in_progress', agent_id = $3, started_at = $4,
				not_before = NULL, version = version + 1
			WHERE id = $1 AND version = $2 AND status = 'pending' AND deleted_at IS NULL;
		`, jobID, version, agentID, startedAt)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return dispatch.ErrVersionConflict
		}

		tag, err = tx.Exec(ctx, `
			UPDATE agents
			SET active_jobs = active_jobs + 1,
				status = CASE WHEN active_jobs + 1 >= max_jobs THEN 'busy' ELSE status END
			WHERE id = $1 AND status = 'available' AND active_jobs < max_jobs;
		`, agentID)
		if err != nil {
			return fmt.Errorf("reserve agent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Agent filled up or went unhealthy since selection.
			return dispatch.ErrVersionConflict
		}
		return appendOutbox(ctx, tx, events)
	})
}

// CompleteJob transitions InProgress to Completed and releases the agent.
func (s *JobStore) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	version int64,
	result []byte,
	completedAt time.Time,
	events []dispatch.OutboxMessage,
) error {
	return s.transition(ctx, jobID, version, events, `
		UPDATE crawl_jobs
		SET status = 'completed', completed_at = $3, result = $4, version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'in_progress' AND deleted_at IS NULL
		RETURNING agent_id;
	`, completedAt, nullableBytes(result))
}

// FailJob transitions InProgress to terminal Failed and releases the agent.
// The failed attempt is recorded in retry_count so the final count equals the
// number of attempts made.
func (s *JobStore) FailJob(
	ctx context.Context,
	jobID uuid.UUID,
	version int64,
	errText string,
	failedAt time.Time,
	events []dispatch.OutboxMessage,
) error {
	return s.transition(ctx, jobID, version, events, `
		UPDATE crawl_jobs
		SET status = 'failed', failed_at = $3, last_error = $4,
			retry_count = retry_count + 1, version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'in_progress' AND deleted_at IS NULL
		RETURNING agent_id;
	`, failedAt, errText)
}

// RequeueJob puts a retryable failure back in Pending behind its backoff
// window and releases the agent.
func (s *JobStore) RequeueJob(
	ctx context.Context,
	jobID uuid.UUID,
	version int64,
	errText string,
	notBefore time.Time,
	events []dispatch.OutboxMessage,
) error {
	return s.transition(ctx, jobID, version, events, `
		UPDATE crawl_jobs
		SET status = 'pending', agent_id = NULL, started_at = NULL,
			retry_count = retry_count + 1, last_error = $4, not_before = $3,
			version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'in_progress' AND deleted_at IS NULL
			AND retry_count + 1 < max_retries
		RETURNING agent_id;
	`, notBefore, errText)
}

// CancelJob terminally cancels a Pending or InProgress job, releasing the
// agent when one was assigned.
func (s *JobStore) CancelJob(
	ctx context.Context,
	jobID uuid.UUID,
	version int64,
	cancelledAt time.Time,
	events []dispatch.OutboxMessage,
) error {
	return s.transition(ctx, jobID, version, events, `
		UPDATE crawl_jobs
		SET status = 'cancelled', completed_at = $3, version = version + 1
		WHERE id = $1 AND version = $2 AND status IN ('pending', 'in_progress')
			AND deleted_at IS NULL
		RETURNING agent_id;
	`, cancelledAt)
}

// SoftDeleteJob hides an acknowledged terminal job; rows are never removed.
func (s *JobStore) SoftDeleteJob(ctx context.Context, jobID uuid.UUID, deletedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_jobs
		SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
			AND status IN ('completed', 'failed', 'cancelled');
	`, jobID, deletedAt)
	if err != nil {
		return fmt.Errorf("soft delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

// CountByStatus aggregates live jobs for the health sampler.
func (s *JobStore) CountByStatus(ctx context.Context) (map[dispatch.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM crawl_jobs
		WHERE deleted_at IS NULL
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[dispatch.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[dispatch.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

// SuccessStats aggregates terminal outcomes over the trailing window.
func (s *JobStore) SuccessStats(ctx context.Context, since time.Time) (int, int, time.Duration, error) {
	var (
		completed  int
		failed     int
		avgSeconds float64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
				FILTER (WHERE status = 'completed' AND started_at IS NOT NULL), 0)
		FROM crawl_jobs
		WHERE (completed_at >= $1 OR failed_at >= $1);
	`, since).Scan(&completed, &failed, &avgSeconds)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("job success stats: %w", err)
	}
	return completed, failed, time.Duration(avgSeconds * float64(time.Second)), nil
}

// transition runs one version-guarded job update that returns the agent to
// release, decrements that agent and appends the events, all in one tx.
func (s *JobStore) transition(
	ctx context.Context,
	jobID uuid.UUID,
	version int64,
	events []dispatch.OutboxMessage,
	query string,
	args ...any,
) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		queryArgs := append([]any{jobID, version}, args...)
		var agentID *uuid.UUID
		err := tx.QueryRow(ctx, query, queryArgs...).Scan(&agentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("job transition: %w", err)
		}
		if agentID != nil {
			if err := releaseAgent(ctx, tx, *agentID); err != nil {
				return err
			}
		}
		return appendOutbox(ctx, tx, events)
	})
}

func releaseAgent(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE agents
		SET active_jobs = GREATEST(active_jobs - 1, 0),
			status = CASE WHEN status = 'busy' THEN 'available' ELSE status END
		WHERE id = $1;
	`, agentID)
	if err != nil {
		return fmt.Errorf("release agent: %w", err)
	}
	return nil
}

func appendOutbox(ctx context.Context, tx pgx.Tx, events []dispatch.OutboxMessage) error {
	for _, msg := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_messages (id, event_type, payload, occurred_at, retry_count, next_retry_at)
			VALUES ($1, $2, $3, $4, $5, $6);
		`, msg.ID, msg.EventType, msg.Payload, msg.OccurredAt, msg.RetryCount, msg.NextRetryAt)
		if err != nil {
			return fmt.Errorf("append outbox message: %w", err)
		}
	}
	return nil
}

func (s *JobStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (dispatch.CrawlJob, error) {
	var (
		job        dispatch.CrawlJob
		status     string
		priority   int
		configJSON []byte
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.URLs,
		&status,
		&priority,
		&job.AgentID,
		&job.CrawlerType,
		&configJSON,
		&job.RetryCount,
		&job.MaxRetries,
		&job.Version,
		&job.NotBefore,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.FailedAt,
		&job.DeletedAt,
		&job.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.CrawlJob{}, dispatch.ErrNotFound
	}
	if err != nil {
		return dispatch.CrawlJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = dispatch.JobStatus(status)
	job.Priority = dispatch.Priority(priority)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return dispatch.CrawlJob{}, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	return job, nil
}

func marshalConfig(config map[string]any) ([]byte, error) {
	if config == nil {
		return nil, nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal job config: %w", err)
	}
	return data, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
