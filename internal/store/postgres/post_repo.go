package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/model"
)

// PostRepo persists posts, their media attachments, and media groups.
type PostRepo struct {
	pool *pgxpool.Pool
}

// InsertIdempotent inserts a post, silently doing nothing if (channel_uuid,
// tg_message_id) already exists. Returns inserted=false on the conflict
// path so callers can skip re-emitting downstream events for a post the
// parser has already seen on a prior run.
func (r *PostRepo) InsertIdempotent(ctx context.Context, p model.Post) (inserted bool, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO posts (post_uuid, tenant, channel_uuid, tg_message_id, source, posted_at, content,
		grouped_id, forward_ref, reply_ref, author_ref, expires_at, content_hash, enrichment_status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (channel_uuid, tg_message_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, q,
		p.PostUUID, p.Tenant, p.ChannelUUID, p.TgMessageID, p.Source, p.PostedAt, p.Content,
		p.GroupedID, p.ForwardRef, p.ReplyRef, p.AuthorRef, p.ExpiresAt, p.ContentHash, p.EnrichmentStatus,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertIdempotentTx is InsertIdempotent run inside a caller-owned
// transaction, used by the parser so a post insert and its outbox event
// commit atomically.
func (r *PostRepo) InsertIdempotentTx(ctx context.Context, tx pgx.Tx, p model.Post) (inserted bool, err error) {
	const q = `
	INSERT INTO posts (post_uuid, tenant, channel_uuid, tg_message_id, source, posted_at, content,
		grouped_id, forward_ref, reply_ref, author_ref, expires_at, content_hash, enrichment_status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (channel_uuid, tg_message_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, q,
		p.PostUUID, p.Tenant, p.ChannelUUID, p.TgMessageID, p.Source, p.PostedAt, p.Content,
		p.GroupedID, p.ForwardRef, p.ReplyRef, p.AuthorRef, p.ExpiresAt, p.ContentHash, p.EnrichmentStatus,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AttachMediaTx is AttachMedia run inside a caller-owned transaction.
func (r *PostRepo) AttachMediaTx(ctx context.Context, tx pgx.Tx, postUUID string, refs []model.MediaRef) error {
	if len(refs) == 0 {
		return nil
	}
	const q = `
	INSERT INTO post_media_map (post_uuid, sha256, slot) VALUES ($1, $2, $3)
	ON CONFLICT (post_uuid, sha256) DO NOTHING
	`
	for slot, ref := range refs {
		if _, err := tx.Exec(ctx, q, postUUID, ref.SHA256, slot); err != nil {
			return fmt.Errorf("postgres: attach media: %w", err)
		}
	}
	return nil
}

// Begin starts a transaction for callers (like the parser) that need to
// commit a post insert atomically with an outbox event.
func (r *PostRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// AttachMedia links a post to its media objects by slot. Must run after the
// media_objects rows already exist (the media processor inserts those).
func (r *PostRepo) AttachMedia(ctx context.Context, postUUID string, refs []model.MediaRef) error {
	if len(refs) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO post_media_map (post_uuid, sha256, slot) VALUES ($1, $2, $3)
	ON CONFLICT (post_uuid, sha256) DO NOTHING
	`
	for slot, ref := range refs {
		if _, err := r.pool.Exec(ctx, q, postUUID, ref.SHA256, slot); err != nil {
			return fmt.Errorf("postgres: attach media: %w", err)
		}
	}
	return nil
}

// Get returns a post by UUID, or ErrNotFound.
func (r *PostRepo) Get(ctx context.Context, postUUID string) (model.Post, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT post_uuid, tenant, channel_uuid, tg_message_id, source, posted_at, content,
		grouped_id, forward_ref, reply_ref, author_ref, expires_at, content_hash, enrichment_status
		FROM posts WHERE post_uuid = $1`
	return scanPost(r.pool.QueryRow(ctx, q, postUUID))
}

func scanPost(row pgx.Row) (model.Post, error) {
	var p model.Post
	err := row.Scan(&p.PostUUID, &p.Tenant, &p.ChannelUUID, &p.TgMessageID, &p.Source, &p.PostedAt, &p.Content,
		&p.GroupedID, &p.ForwardRef, &p.ReplyRef, &p.AuthorRef, &p.ExpiresAt, &p.ContentHash, &p.EnrichmentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Post{}, ErrNotFound
	}
	if err != nil {
		return model.Post{}, fmt.Errorf("postgres: scan post: %w", err)
	}
	return p, nil
}

// ListByGroupedID returns every post sharing an album's grouped_id, ordered
// by tg_message_id, for album reassembly.
func (r *PostRepo) ListByGroupedID(ctx context.Context, channelUUID string, groupedID int64) ([]model.Post, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT post_uuid, tenant, channel_uuid, tg_message_id, source, posted_at, content,
		grouped_id, forward_ref, reply_ref, author_ref, expires_at, content_hash, enrichment_status
		FROM posts WHERE channel_uuid = $1 AND grouped_id = $2 ORDER BY tg_message_id`
	rows, err := r.pool.Query(ctx, q, channelUUID, groupedID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list grouped posts: %w", err)
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateEnrichmentStatus advances a post's pipeline status. Returns
// errs.Conflict if next does not monotonically follow the post's current
// status, so callers can treat a stale or replayed update as a no-op
// instead of corrupting state.
func (r *PostRepo) UpdateEnrichmentStatus(ctx context.Context, postUUID string, next model.EnrichmentStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const sel = `SELECT enrichment_status FROM posts WHERE post_uuid = $1 FOR UPDATE`
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	var current model.EnrichmentStatus
	if err := tx.QueryRow(ctx, sel, postUUID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("postgres: read current status: %w", err)
	}
	if !model.AdvancesFrom(current, next) {
		return errs.Conflict(fmt.Errorf("post %s: status %s does not advance from %s", postUUID, next, current))
	}
	if _, err := tx.Exec(ctx, `UPDATE posts SET enrichment_status = $2 WHERE post_uuid = $1`, postUUID, next); err != nil {
		return fmt.Errorf("postgres: update status: %w", err)
	}
	return tx.Commit(ctx)
}

// UpsertMediaGroup inserts or updates an album's aggregate row. It writes
// items_count and item_refs as given and does not check group.Valid().
func (r *PostRepo) UpsertMediaGroup(ctx context.Context, g model.MediaGroup) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO media_groups (group_uuid, channel_uuid, grouped_id, items_count, item_refs)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (channel_uuid, grouped_id) DO UPDATE SET
		items_count = EXCLUDED.items_count,
		item_refs = EXCLUDED.item_refs
	`
	if _, err := r.pool.Exec(ctx, q, g.GroupUUID, g.ChannelUUID, g.GroupedID, g.ItemsCount, g.ItemRefs); err != nil {
		return fmt.Errorf("postgres: upsert media group: %w", err)
	}
	return nil
}

// ExpiredBefore returns post_uuids whose expires_at has passed, for the
// retention sweep.
func (r *PostRepo) ExpiredBefore(ctx context.Context, cutoff any, limit int) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT post_uuid FROM posts WHERE expires_at < $1 LIMIT $2`
	rows, err := r.pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired posts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan expired post id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListForDigest returns post_uuids posted since the given time across every
// channel userUUID actively subscribes to, newest first — the window the
// digest stage folds into one rendered message.
func (r *PostRepo) ListForDigest(ctx context.Context, tenant, userUUID string, since time.Time) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	SELECT p.post_uuid
	FROM posts p
	JOIN user_channel uc ON uc.channel_uuid = p.channel_uuid
	WHERE p.tenant = $1 AND uc.user_uuid = $2 AND uc.active AND p.posted_at >= $3
	ORDER BY p.posted_at DESC`
	rows, err := r.pool.Query(ctx, q, tenant, userUUID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list posts for digest: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan digest post id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
