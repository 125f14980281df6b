package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/model"
)

// EnrichmentRepo persists per-kind provider results for a post. Unique on
// (post_uuid, kind): a later write for the same kind replaces the earlier
// one rather than accumulating duplicate rows.
type EnrichmentRepo struct {
	pool *pgxpool.Pool
}

// Upsert writes a provider result, replacing any prior result of the same
// kind for this post.
func (r *EnrichmentRepo) Upsert(ctx context.Context, e model.PostEnrichment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("postgres: marshal enrichment data: %w", err)
	}
	const q = `
	INSERT INTO post_enrichment (post_uuid, kind, provider, data, created_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (post_uuid, kind) DO UPDATE SET
		provider = EXCLUDED.provider,
		data = EXCLUDED.data,
		created_at = EXCLUDED.created_at
	`
	if _, err := r.pool.Exec(ctx, q, e.PostUUID, e.Kind, e.Provider, data, e.CreatedAt); err != nil {
		return fmt.Errorf("postgres: upsert enrichment: %w", err)
	}
	return nil
}

// Get returns the enrichment row of a given kind for a post, or ErrNotFound.
func (r *EnrichmentRepo) Get(ctx context.Context, postUUID string, kind model.EnrichmentKind) (model.PostEnrichment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT post_uuid, kind, provider, data, created_at FROM post_enrichment WHERE post_uuid = $1 AND kind = $2`
	var e model.PostEnrichment
	var data []byte
	err := r.pool.QueryRow(ctx, q, postUUID, kind).Scan(&e.PostUUID, &e.Kind, &e.Provider, &data, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PostEnrichment{}, ErrNotFound
	}
	if err != nil {
		return model.PostEnrichment{}, fmt.Errorf("postgres: get enrichment: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return model.PostEnrichment{}, fmt.Errorf("postgres: unmarshal enrichment data: %w", err)
		}
	}
	return e, nil
}

// ListByPost returns every enrichment kind recorded for a post, for the
// digest worker's per-post summary pass.
func (r *EnrichmentRepo) ListByPost(ctx context.Context, postUUID string) ([]model.PostEnrichment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT post_uuid, kind, provider, data, created_at FROM post_enrichment WHERE post_uuid = $1`
	rows, err := r.pool.Query(ctx, q, postUUID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enrichments: %w", err)
	}
	defer rows.Close()

	var out []model.PostEnrichment
	for rows.Next() {
		var e model.PostEnrichment
		var data []byte
		if err := rows.Scan(&e.PostUUID, &e.Kind, &e.Provider, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan enrichment: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal enrichment data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
