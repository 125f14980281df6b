// Package coordinator provides the distributed primitives every stage
// shares through Postgres: single-instance locks, HWM cursors, idempotency
// checks, and per-(tenant,provider) rate buckets. It generalizes the
// teacher's single-process FileLock/Semaphore pair into primitives that
// hold across multiple worker processes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Lock is a TTL-bounded mutual-exclusion lock backed by a row in
// coordinator_locks. Unlike the teacher's flock(2)-based FileLock, this
// lock is visible to every process sharing the Postgres database, which is
// what lets the scheduler and digest worker run as multiple replicas
// without double-firing a tick.
type Lock struct {
	pool   *pgxpool.Pool
	key    string
	holder string
	ttl    time.Duration
	held   bool
}

// NewLock returns a lock for key, held by holder (typically hostname:pid)
// for up to ttl before it is considered abandoned and stealable.
func NewLock(pool *pgxpool.Pool, key, holder string, ttl time.Duration) *Lock {
	return &Lock{pool: pool, key: key, holder: holder, ttl: ttl}
}

// TryAcquire attempts to acquire the lock without blocking. Returns false,
// nil if another holder's lease has not yet expired.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	const q = `
	INSERT INTO coordinator_locks (lock_key, holder, acquired_at, expires_at)
	VALUES ($1, $2, now(), now() + ($3::text || ' seconds')::interval)
	ON CONFLICT (lock_key) DO UPDATE SET
		holder = EXCLUDED.holder,
		acquired_at = EXCLUDED.acquired_at,
		expires_at = EXCLUDED.expires_at
	WHERE coordinator_locks.expires_at < now()
	`
	tag, err := l.pool.Exec(ctx, q, l.key, l.holder, int(l.ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("coordinator: acquire lock %s: %w", l.key, err)
	}
	l.held = tag.RowsAffected() > 0
	return l.held, nil
}

// Renew extends the lease on a lock this holder already owns.
func (l *Lock) Renew(ctx context.Context) error {
	const q = `UPDATE coordinator_locks SET expires_at = now() + ($3::text || ' seconds')::interval WHERE lock_key = $1 AND holder = $2`
	tag, err := l.pool.Exec(ctx, q, l.key, l.holder, int(l.ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("coordinator: renew lock %s: %w", l.key, err)
	}
	if tag.RowsAffected() == 0 {
		l.held = false
		return fmt.Errorf("coordinator: renew lock %s: lease lost", l.key)
	}
	return nil
}

// Release gives up the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	const q = `DELETE FROM coordinator_locks WHERE lock_key = $1 AND holder = $2`
	if _, err := l.pool.Exec(ctx, q, l.key, l.holder); err != nil {
		return fmt.Errorf("coordinator: release lock %s: %w", l.key, err)
	}
	l.held = false
	return nil
}

// DeleteCursor removes a cursor, used to clear a high-watermark marker
// once the work it guards has durably committed.
func DeleteCursor(ctx context.Context, pool *pgxpool.Pool, key string) error {
	if _, err := pool.Exec(ctx, `DELETE FROM coordinator_cursors WHERE cursor_key = $1`, key); err != nil {
		return fmt.Errorf("coordinator: delete cursor %s: %w", key, err)
	}
	return nil
}

// ErrCursorNotFound is returned by GetCursor when no value has been written yet.
var ErrCursorNotFound = errors.New("coordinator: cursor not found")

// GetCursor reads a high-watermark cursor value, decoding it into dest.
func GetCursor(ctx context.Context, pool *pgxpool.Pool, key string, dest any) error {
	const q = `SELECT value FROM coordinator_cursors WHERE cursor_key = $1 AND (expires_at IS NULL OR expires_at > now())`
	row := pool.QueryRow(ctx, q, key)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCursorNotFound
		}
		return fmt.Errorf("coordinator: get cursor %s: %w", key, err)
	}
	return unmarshalCursor(raw, dest)
}

// SetCursor writes src as the new value for key. Callers must write this
// before committing the work it guards, so a crash between the two never
// leaves the cursor ahead of durably-committed state. ttl <= 0 means the
// cursor never expires.
func SetCursor(ctx context.Context, pool *pgxpool.Pool, key string, src any, ttl time.Duration) error {
	raw, err := marshalCursor(src)
	if err != nil {
		return fmt.Errorf("coordinator: marshal cursor %s: %w", key, err)
	}
	var ttlSeconds *int
	if ttl > 0 {
		s := int(ttl.Seconds())
		ttlSeconds = &s
	}
	const q = `
	INSERT INTO coordinator_cursors (cursor_key, value, expires_at)
	VALUES ($1, $2, CASE WHEN $3::int IS NULL THEN NULL ELSE now() + ($3::int || ' seconds')::interval END)
	ON CONFLICT (cursor_key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`
	if _, err := pool.Exec(ctx, q, key, raw, ttlSeconds); err != nil {
		return fmt.Errorf("coordinator: set cursor %s: %w", key, err)
	}
	return nil
}
