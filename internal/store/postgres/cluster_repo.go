package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/model"
)

// ClusterRepo persists trend-detection clusters, up to two hierarchy levels
// deep (model.MaxClusterLevel).
type ClusterRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a new cluster. level must be 1 or 2; a level-2 cluster
// must carry a ParentUUID pointing at a level-1 cluster, but this
// repository does not itself walk the hierarchy — callers enforce the
// no-cycles invariant before calling Create.
func (r *ClusterRepo) Create(ctx context.Context, c model.Cluster) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO clusters (cluster_uuid, tenant, label, primary_topic, centroid, status, is_generic,
		coherence, parent_uuid, level, last_activity_at, freq_short, baseline, source_channels)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	if _, err := r.pool.Exec(ctx, q,
		c.ClusterUUID, c.Tenant, c.Label, c.PrimaryTopic, c.Centroid, c.Status, c.IsGeneric,
		c.Coherence, c.ParentUUID, c.Level, c.LastActivity, c.FreqShort, c.Baseline, sourceChanSlice(c.SourceChans),
	); err != nil {
		return fmt.Errorf("postgres: create cluster: %w", err)
	}
	return nil
}

func sourceChanSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Get returns a cluster by UUID, or ErrNotFound.
func (r *ClusterRepo) Get(ctx context.Context, clusterUUID string) (model.Cluster, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT cluster_uuid, tenant, label, primary_topic, centroid, status, is_generic,
		coherence, parent_uuid, level, last_activity_at, freq_short, baseline, source_channels
		FROM clusters WHERE cluster_uuid = $1`
	return scanCluster(r.pool.QueryRow(ctx, q, clusterUUID))
}

func scanCluster(row pgx.Row) (model.Cluster, error) {
	var c model.Cluster
	var sourceChans []string
	err := row.Scan(&c.ClusterUUID, &c.Tenant, &c.Label, &c.PrimaryTopic, &c.Centroid, &c.Status, &c.IsGeneric,
		&c.Coherence, &c.ParentUUID, &c.Level, &c.LastActivity, &c.FreqShort, &c.Baseline, &sourceChans)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Cluster{}, ErrNotFound
	}
	if err != nil {
		return model.Cluster{}, fmt.Errorf("postgres: scan cluster: %w", err)
	}
	c.SourceChans = make(map[string]struct{}, len(sourceChans))
	for _, ch := range sourceChans {
		c.SourceChans[ch] = struct{}{}
	}
	return c, nil
}

// ListActiveByTenant returns non-closed clusters for a tenant, ordered by
// most recent activity, for the trend worker's assignment pass.
func (r *ClusterRepo) ListActiveByTenant(ctx context.Context, tenant string) ([]model.Cluster, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT cluster_uuid, tenant, label, primary_topic, centroid, status, is_generic,
		coherence, parent_uuid, level, last_activity_at, freq_short, baseline, source_channels
		FROM clusters WHERE tenant = $1 AND status != $2 ORDER BY last_activity_at DESC`
	rows, err := r.pool.Query(ctx, q, tenant, model.ClusterClosed)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active clusters: %w", err)
	}
	defer rows.Close()

	var out []model.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateActivity records a new member post joining the cluster: bumps
// last_activity_at, freq_short, and the source-channel diversity set.
func (r *ClusterRepo) UpdateActivity(ctx context.Context, clusterUUID string, ts any, freqShort float64, sourceChannel string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	UPDATE clusters SET last_activity_at = $2, freq_short = $3,
		source_channels = array(SELECT DISTINCT unnest(source_channels || $4::text[]))
	WHERE cluster_uuid = $1
	`
	if _, err := r.pool.Exec(ctx, q, clusterUUID, ts, freqShort, []string{sourceChannel}); err != nil {
		return fmt.Errorf("postgres: update cluster activity: %w", err)
	}
	return nil
}

// SetStatus transitions a cluster's lifecycle status (emerging -> stable ->
// closed).
func (r *ClusterRepo) SetStatus(ctx context.Context, clusterUUID string, status model.ClusterStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `UPDATE clusters SET status = $2 WHERE cluster_uuid = $1`, clusterUUID, status); err != nil {
		return fmt.Errorf("postgres: set cluster status: %w", err)
	}
	return nil
}
