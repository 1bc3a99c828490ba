package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triangulate-hq/triangulate-engine/pkg/database"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// OutboxRepository defines data access for the transactional outbox.
// Events are inserted in the same transaction as the state they describe;
// the publisher is the only writer of the PENDING to PUBLISHED transition.
type OutboxRepository interface {
	Insert(ctx context.Context, runID string, eventType models.OutboxEventType, payload any) error
	FetchPending(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) error
	PendingCount(ctx context.Context) (int, error)
}

type outboxRepository struct {
	q database.Querier
}

// NewOutboxRepository creates an outbox repository over q. Pass a
// transaction-scoped Querier to Insert so the event commits atomically with
// the rows it announces.
func NewOutboxRepository(q database.Querier) OutboxRepository {
	return &outboxRepository{q: q}
}

// Insert appends a PENDING event.
func (r *outboxRepository) Insert(ctx context.Context, runID string, eventType models.OutboxEventType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO outbox (run_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, 'PENDING', $4)`,
		runID, eventType, body, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// FetchPending returns the oldest PENDING events in id order.
func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, run_id, event_type, payload, status, error_reason, created_at
		FROM outbox
		WHERE status = 'PENDING'
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []*models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.Payload,
			&ev.Status, &ev.ErrorReason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkPublished flips PENDING to PUBLISHED with compare-and-swap semantics.
// Returns false when the row was already published, so a crash between
// enqueue and publish replays as a duplicate emission, never a lost one.
func (r *outboxRepository) MarkPublished(ctx context.Context, id int64) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`UPDATE outbox SET status = 'PUBLISHED' WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark outbox event published: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed sidelines a malformed event so the drain loop keeps moving.
func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.q.Exec(ctx,
		`UPDATE outbox SET status = 'FAILED', error_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	return nil
}

// PendingCount reports the outbox backlog, used by run-completion detection.
func (r *outboxRepository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}
