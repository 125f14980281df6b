package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// idempotencyKeyPrefix namespaces idempotency markers within
// coordinator_cursors so they never collide with an HWM cursor key.
const idempotencyKeyPrefix = "idemp:"

// CheckAndMark atomically records that key has been processed, returning
// alreadyProcessed=true if a marker for key already existed. Stream
// consumers call this once per message before running side effects, so a
// redelivered message (pending-idle reclaim, consumer restart) never
// re-applies its effects.
func CheckAndMark(ctx context.Context, pool *pgxpool.Pool, key string, ttl time.Duration) (alreadyProcessed bool, err error) {
	cursorKey := idempotencyKeyPrefix + key
	var ttlSeconds *int
	if ttl > 0 {
		s := int(ttl.Seconds())
		ttlSeconds = &s
	}
	const q = `
	INSERT INTO coordinator_cursors (cursor_key, value, expires_at)
	VALUES ($1, 'true'::jsonb, CASE WHEN $2::int IS NULL THEN NULL ELSE now() + ($2::int || ' seconds')::interval END)
	ON CONFLICT (cursor_key) DO NOTHING
	`
	tag, err := pool.Exec(ctx, q, cursorKey, ttlSeconds)
	if err != nil {
		return false, fmt.Errorf("coordinator: check idempotency key %s: %w", key, err)
	}
	return tag.RowsAffected() == 0, nil
}

// Deduper adapts CheckAndMark to a value type so it can be passed where a
// stage expects an injectable collaborator (internal/stages.Deduper)
// instead of calling the package-level function directly.
type Deduper struct {
	Pool *pgxpool.Pool
}

// CheckAndMark delegates to the package-level CheckAndMark against d.Pool.
func (d Deduper) CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return CheckAndMark(ctx, d.Pool, key, ttl)
}
