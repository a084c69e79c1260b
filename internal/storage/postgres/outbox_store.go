package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// OutboxStore implements the publisher's read/stamp side of the outbox.
// Rows are inserted by the JobStore transition transactions.
type OutboxStore struct {
	pool pgPool
}

// NewOutboxStore constructs an OutboxStore over a shared pool.
func NewOutboxStore(pool pgPool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// ListDue returns unprocessed messages whose retry window has elapsed,
// oldest first so per-job emission order is preserved best-effort. Rows that
// spent their retry budget are excluded and stay parked with their last_error.
func (s *OutboxStore) ListDue(ctx context.Context, now time.Time, limit, maxRetries int) ([]dispatch.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, payload, occurred_at, processed_at, retry_count, next_retry_at, last_error
		FROM outbox_messages
		WHERE processed_at IS NULL AND next_retry_at <= $1 AND retry_count < $3
		ORDER BY occurred_at ASC
		LIMIT $2;
	`, now, limit, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list due outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []dispatch.OutboxMessage
	for rows.Next() {
		var msg dispatch.OutboxMessage
		err := rows.Scan(
			&msg.ID,
			&msg.EventType,
			&msg.Payload,
			&msg.OccurredAt,
			&msg.ProcessedAt,
			&msg.RetryCount,
			&msg.NextRetryAt,
			&msg.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return msgs, nil
}

// MarkProcessed stamps processed_at exactly once; a stamped message is never
// selected again.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET processed_at = $2
		WHERE id = $1 AND processed_at IS NULL;
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox message processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

// MarkFailed records the publish error and schedules the next attempt. The
// row is retained regardless of retry count; nothing ever deletes it.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, errText string, nextRetryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET retry_count = retry_count + 1, last_error = $2, next_retry_at = $3
		WHERE id = $1 AND processed_at IS NULL;
	`, id, errText, nextRetryAt)
	if err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}
