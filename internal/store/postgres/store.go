// Package postgres is the relational store (C2): authoritative state for
// channels, posts, media, enrichment, and indexing status. Follows the
// teacher's apply-schema-at-open pattern (see timeline.NewTimelineService in
// the teacher repo) but opens a pgx pool instead of a single *sql.DB, since
// every stage worker holds its own bounded share of the connection pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool and exposes one repository per entity
// group named in the data model.
type Store struct {
	pool *pgxpool.Pool

	Channels   *ChannelRepo
	Posts      *PostRepo
	Media      *MediaRepo
	Enrichment *EnrichmentRepo
	Indexing   *IndexingRepo
	Outbox     *OutboxRepo
	Clusters   *ClusterRepo
	Usage      *StorageUsageRepo
	Digests    *DigestRepo
}

// Open connects to Postgres, applies Schema and the per-tenant RLS policies,
// and wires up every repository.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	for _, table := range TenantScopedTables {
		if _, err := pool.Exec(ctx, RowLevelSecurityStatement(table)); err != nil {
			slog.Warn("postgres: row-level security policy not applied", "table", table, "error", err)
		}
	}

	s := &Store{pool: pool}
	s.Channels = &ChannelRepo{pool: pool}
	s.Posts = &PostRepo{pool: pool}
	s.Media = &MediaRepo{pool: pool}
	s.Enrichment = &EnrichmentRepo{pool: pool}
	s.Indexing = &IndexingRepo{pool: pool}
	s.Outbox = &OutboxRepo{pool: pool}
	s.Clusters = &ClusterRepo{pool: pool}
	s.Usage = &StorageUsageRepo{pool: pool}
	s.Digests = &DigestRepo{pool: pool}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool for callers outside the repositories
// (e.g. coordinator locks and cursors, and the stream router's pending
// tracking).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTenant sets the app.current_tenant session variable for the lifetime
// of a single acquired connection, so the row-level security policies in
// Schema apply. Callers that need a transaction should acquire a connection
// with this helper and build the transaction on top of it.
func WithTenant(ctx context.Context, pool *pgxpool.Pool, tenant string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT set_config('app.current_tenant', $1, true)", tenant); err != nil {
		return fmt.Errorf("postgres: set tenant session var: %w", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// queryTimeout bounds a single repository call, matching the 30s DB query
// budget from the concurrency model.
const queryTimeout = 30 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}
