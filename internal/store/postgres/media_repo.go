package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/model"
)

// MediaRepo persists content-addressed media blobs. One row per unique
// sha256 regardless of how many posts reference it.
type MediaRepo struct {
	pool *pgxpool.Pool
}

// GetBySHA256 returns a media object, or ErrNotFound if this content has
// never been seen before. The media processor calls this first to decide
// whether a download can be skipped.
func (r *MediaRepo) GetBySHA256(ctx context.Context, sha256 string) (model.MediaObject, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT sha256, mime, size, s3_key, first_seen_at, last_seen_at FROM media_objects WHERE sha256 = $1`
	var m model.MediaObject
	err := r.pool.QueryRow(ctx, q, sha256).Scan(&m.SHA256, &m.MIME, &m.Size, &m.S3Key, &m.FirstSeenAt, &m.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MediaObject{}, ErrNotFound
	}
	if err != nil {
		return model.MediaObject{}, fmt.Errorf("postgres: get media object: %w", err)
	}
	return m, nil
}

// Upsert records a media object, bumping last_seen_at when the content was
// already known. Returns created=true the first time this sha256 is seen,
// so the caller knows whether to charge the upload against quota.
func (r *MediaRepo) Upsert(ctx context.Context, m model.MediaObject) (created bool, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO media_objects (sha256, mime, size, s3_key, first_seen_at, last_seen_at)
	VALUES ($1, $2, $3, $4, $5, $5)
	ON CONFLICT (sha256) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	RETURNING (xmax = 0) AS inserted
	`
	if err := r.pool.QueryRow(ctx, q, m.SHA256, m.MIME, m.Size, m.S3Key, m.LastSeenAt).Scan(&created); err != nil {
		return false, fmt.Errorf("postgres: upsert media object: %w", err)
	}
	return created, nil
}
