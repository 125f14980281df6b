package streambus

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// claimPending records (or renews) a worker's claim on a message, returning
// the number of attempts already spent (0 on a message's first claim). It
// does not itself count this claim as an attempt — that only happens once
// the handler has actually run and failed in a way that burns the retry
// budget (see GroupRouter.process); a RateLimited response, for instance,
// renews the claim without touching attempts at all.
func claimPending(ctx context.Context, pool *pgxpool.Pool, stream, consumerGroup, messageID, claimedBy string, lease time.Duration) (attempts int, err error) {
	const q = `
	INSERT INTO stream_pending (stream, consumer_group, message_id, claimed_by, claimed_at, lease_until, attempts)
	VALUES ($1, $2, $3, $4, now(), now() + ($5::text || ' seconds')::interval, 0)
	ON CONFLICT (stream, consumer_group, message_id) DO UPDATE SET
		claimed_by = EXCLUDED.claimed_by,
		claimed_at = now(),
		lease_until = EXCLUDED.lease_until
	RETURNING attempts
	`
	err = pool.QueryRow(ctx, q, stream, consumerGroup, messageID, claimedBy, int(lease.Seconds())).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("streambus: claim pending: %w", err)
	}
	return attempts, nil
}

// incrementPendingAttempts bumps a claimed message's attempt counter,
// returning the new total. Called only for failures that actually consume
// the retry budget (Transient, Unknown) — never for RateLimited, which
// retries without counting against MaxRetries.
func incrementPendingAttempts(ctx context.Context, pool *pgxpool.Pool, stream, consumerGroup, messageID string) (attempts int, err error) {
	const q = `
	UPDATE stream_pending SET attempts = attempts + 1
	WHERE stream = $1 AND consumer_group = $2 AND message_id = $3
	RETURNING attempts
	`
	err = pool.QueryRow(ctx, q, stream, consumerGroup, messageID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("streambus: increment pending attempts: %w", err)
	}
	return attempts, nil
}

// releasePending removes a message's pending row once its handler
// succeeds or it has been routed to the DLQ.
func releasePending(ctx context.Context, pool *pgxpool.Pool, stream, consumerGroup, messageID string) error {
	const q = `DELETE FROM stream_pending WHERE stream = $1 AND consumer_group = $2 AND message_id = $3`
	if _, err := pool.Exec(ctx, q, stream, consumerGroup, messageID); err != nil {
		return fmt.Errorf("streambus: release pending: %w", err)
	}
	return nil
}

// ReclaimExpired returns pending claims whose lease has lapsed — a worker
// died or stalled mid-handler. It only reports them; actual redelivery is
// Kafka's own job since an uncommitted fetch is redelivered to the group on
// the next poll.
func ReclaimExpired(ctx context.Context, pool *pgxpool.Pool, stream, consumerGroup string) ([]string, error) {
	const q = `SELECT message_id FROM stream_pending WHERE stream = $1 AND consumer_group = $2 AND lease_until < now()`
	rows, err := pool.Query(ctx, q, stream, consumerGroup)
	if err != nil {
		return nil, fmt.Errorf("streambus: reclaim expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("streambus: scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
