package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/model"
)

// OutboxRepo persists the transactional outbox: rows written in the same
// transaction as the business state they describe, later relayed onto the
// stream bus. Dedup is enforced at the database level by a partial unique
// index on (aggregate_id, event_type, content_hash) while processed_at is
// NULL, so a crashed-and-retried write never produces a duplicate event.
type OutboxRepo struct {
	pool *pgxpool.Pool
}

// Enqueue writes an outbox row using tx, so callers can commit it alongside
// the row mutation that produced it. A conflicting unprocessed row (same
// dedup key) is treated as success, not an error.
func (r *OutboxRepo) Enqueue(ctx context.Context, tx pgx.Tx, e model.OutboxEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal outbox payload: %w", err)
	}
	const q = `
	INSERT INTO outbox_events (tenant, event_type, aggregate_id, content_hash, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (aggregate_id, event_type, content_hash) WHERE processed_at IS NULL DO NOTHING
	`
	if _, err := tx.Exec(ctx, q, e.Tenant, e.EventType, e.AggregateID, e.ContentHash, payload); err != nil {
		return fmt.Errorf("postgres: enqueue outbox event: %w", err)
	}
	return nil
}

// ListUnprocessed returns up to limit unprocessed events, oldest first, for
// the relay loop that publishes them onto the stream bus.
func (r *OutboxRepo) ListUnprocessed(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT id, tenant, event_type, aggregate_id, content_hash, payload, created_at, retries, last_error
		FROM outbox_events WHERE processed_at IS NULL ORDER BY created_at LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unprocessed outbox events: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxEvent
	for rows.Next() {
		var e model.OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Tenant, &e.EventType, &e.AggregateID, &e.ContentHash, &payload, &e.CreatedAt, &e.Retries, &e.LastError); err != nil {
			return nil, fmt.Errorf("postgres: scan outbox event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal outbox payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessed stamps processed_at once the relay has published the event.
func (r *OutboxRepo) MarkProcessed(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `UPDATE outbox_events SET processed_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: mark outbox event processed: %w", err)
	}
	return nil
}

// MarkFailed increments retries and records the error for an event the
// relay could not publish, leaving it unprocessed for a future attempt.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `UPDATE outbox_events SET retries = retries + 1, last_error = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, lastErr); err != nil {
		return fmt.Errorf("postgres: mark outbox event failed: %w", err)
	}
	return nil
}
