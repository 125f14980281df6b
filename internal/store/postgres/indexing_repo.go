package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/model"
)

// IndexingRepo tracks the embedding/graph pipeline state for each post. A
// row is created alongside the post itself (see PostRepo.InsertIdempotentTx's
// caller, which inserts both in the same transaction) so indexing status
// always exists once a post does.
type IndexingRepo struct {
	pool *pgxpool.Pool
}

// Create seeds a pending indexing-status row for a newly persisted post.
func (r *IndexingRepo) Create(ctx context.Context, postUUID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO indexing_status (post_uuid, embedding_status, graph_status)
	VALUES ($1, $2, $2)
	ON CONFLICT (post_uuid) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, q, postUUID, model.PipelinePending); err != nil {
		return fmt.Errorf("postgres: create indexing status: %w", err)
	}
	return nil
}

// CreateTx is Create run inside a caller-owned transaction, used by the
// parser so a post insert and its indexing-status row commit atomically.
func (r *IndexingRepo) CreateTx(ctx context.Context, tx pgx.Tx, postUUID string) error {
	const q = `
	INSERT INTO indexing_status (post_uuid, embedding_status, graph_status)
	VALUES ($1, $2, $2)
	ON CONFLICT (post_uuid) DO NOTHING
	`
	if _, err := tx.Exec(ctx, q, postUUID, model.PipelinePending); err != nil {
		return fmt.Errorf("postgres: create indexing status: %w", err)
	}
	return nil
}

// Get returns the indexing status for a post, or ErrNotFound.
func (r *IndexingRepo) Get(ctx context.Context, postUUID string) (model.IndexingStatus, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT post_uuid, embedding_status, graph_status, retry_count, last_error FROM indexing_status WHERE post_uuid = $1`
	var s model.IndexingStatus
	err := r.pool.QueryRow(ctx, q, postUUID).Scan(&s.PostUUID, &s.EmbeddingState, &s.GraphState, &s.RetryCount, &s.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IndexingStatus{}, ErrNotFound
	}
	if err != nil {
		return model.IndexingStatus{}, fmt.Errorf("postgres: get indexing status: %w", err)
	}
	return s, nil
}

// UpdateEmbeddingState transitions the embedding half of the indexing
// status, optionally bumping retry_count and recording the last error.
func (r *IndexingRepo) UpdateEmbeddingState(ctx context.Context, postUUID string, state model.PipelineState, lastErr string, bumpRetry bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := `UPDATE indexing_status SET embedding_status = $2, last_error = $3`
	if bumpRetry {
		q += `, retry_count = retry_count + 1`
	}
	q += ` WHERE post_uuid = $1`
	if _, err := r.pool.Exec(ctx, q, postUUID, state, lastErr); err != nil {
		return fmt.Errorf("postgres: update embedding state: %w", err)
	}
	return nil
}

// UpdateGraphState transitions the graph half of the indexing status.
func (r *IndexingRepo) UpdateGraphState(ctx context.Context, postUUID string, state model.PipelineState, lastErr string, bumpRetry bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := `UPDATE indexing_status SET graph_status = $2, last_error = $3`
	if bumpRetry {
		q += `, retry_count = retry_count + 1`
	}
	q += ` WHERE post_uuid = $1`
	if _, err := r.pool.Exec(ctx, q, postUUID, state, lastErr); err != nil {
		return fmt.Errorf("postgres: update graph state: %w", err)
	}
	return nil
}

// ListPendingEmbedding returns up to limit posts whose embedding_status is
// still pending.
func (r *IndexingRepo) ListPendingEmbedding(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT post_uuid FROM indexing_status WHERE embedding_status = $1 LIMIT $2`
	rows, err := r.pool.Query(ctx, q, model.PipelinePending, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending embedding: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan pending embedding id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
