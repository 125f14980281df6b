package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DigestHistory is one attempted digest send for a user on a given date.
// Unique on (user_uuid, digest_date): the digest worker relies on this to
// avoid double-sending within its dedup window.
type DigestHistory struct {
	ID         int64
	Tenant     string
	UserUUID   string
	DigestDate time.Time
	Status     string
	CreatedAt  time.Time
	SentAt     *time.Time
	LastError  string
}

// DigestRepo persists the digest send history used for per-user,
// per-day dedup.
type DigestRepo struct {
	pool *pgxpool.Pool
}

// ClaimPending inserts a pending digest row for (user, date), returning
// claimed=false if one already exists — the caller should skip sending.
func (r *DigestRepo) ClaimPending(ctx context.Context, tenant, userUUID string, digestDate time.Time) (claimed bool, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO digest_history (tenant, user_uuid, digest_date, status)
	VALUES ($1, $2, $3, 'pending')
	ON CONFLICT (user_uuid, digest_date) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, q, tenant, userUUID, digestDate)
	if err != nil {
		return false, fmt.Errorf("postgres: claim digest: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent stamps a digest as sent.
func (r *DigestRepo) MarkSent(ctx context.Context, userUUID string, digestDate time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `UPDATE digest_history SET status = 'sent', sent_at = now() WHERE user_uuid = $1 AND digest_date = $2`
	if _, err := r.pool.Exec(ctx, q, userUUID, digestDate); err != nil {
		return fmt.Errorf("postgres: mark digest sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed digest attempt.
func (r *DigestRepo) MarkFailed(ctx context.Context, userUUID string, digestDate time.Time, lastErr string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `UPDATE digest_history SET status = 'failed', last_error = $3 WHERE user_uuid = $1 AND digest_date = $2`
	if _, err := r.pool.Exec(ctx, q, userUUID, digestDate, lastErr); err != nil {
		return fmt.Errorf("postgres: mark digest failed: %w", err)
	}
	return nil
}

// Get returns the digest history row for (user, date), or ErrNotFound.
func (r *DigestRepo) Get(ctx context.Context, userUUID string, digestDate time.Time) (DigestHistory, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT id, tenant, user_uuid, digest_date, status, created_at, sent_at, last_error
		FROM digest_history WHERE user_uuid = $1 AND digest_date = $2`
	var d DigestHistory
	err := r.pool.QueryRow(ctx, q, userUUID, digestDate).Scan(
		&d.ID, &d.Tenant, &d.UserUUID, &d.DigestDate, &d.Status, &d.CreatedAt, &d.SentAt, &d.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return DigestHistory{}, ErrNotFound
	}
	if err != nil {
		return DigestHistory{}, fmt.Errorf("postgres: get digest history: %w", err)
	}
	return d, nil
}
