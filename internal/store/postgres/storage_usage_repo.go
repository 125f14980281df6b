package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/model"
)

// StorageUsageRepo maintains per-tenant, per-content-type byte and object
// counters that the quota engine (C9) reads before admitting a new upload.
type StorageUsageRepo struct {
	pool *pgxpool.Pool
}

// Get returns the current usage row, or a zeroed StorageUsage if the tenant
// has never written content of this type (not an error: a tenant with no
// usage yet is simply under quota).
func (r *StorageUsageRepo) Get(ctx context.Context, tenant string, contentType model.ContentType) (model.StorageUsage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT tenant, content_type, bytes, objects, last_updated FROM storage_usage WHERE tenant = $1 AND content_type = $2`
	var u model.StorageUsage
	err := r.pool.QueryRow(ctx, q, tenant, contentType).Scan(&u.Tenant, &u.ContentType, &u.Bytes, &u.Objects, &u.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StorageUsage{Tenant: tenant, ContentType: contentType}, nil
	}
	if err != nil {
		return model.StorageUsage{}, fmt.Errorf("postgres: get storage usage: %w", err)
	}
	return u, nil
}

// Increment adds deltaBytes/deltaObjects to a tenant's usage counter,
// creating the row on first write. deltas may be negative (e.g. the
// retention sweep reclaiming expired media).
func (r *StorageUsageRepo) Increment(ctx context.Context, tenant string, contentType model.ContentType, deltaBytes, deltaObjects int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO storage_usage (tenant, content_type, bytes, objects, last_updated)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (tenant, content_type) DO UPDATE SET
		bytes = storage_usage.bytes + EXCLUDED.bytes,
		objects = storage_usage.objects + EXCLUDED.objects,
		last_updated = now()
	`
	if _, err := r.pool.Exec(ctx, q, tenant, contentType, deltaBytes, deltaObjects); err != nil {
		return fmt.Errorf("postgres: increment storage usage: %w", err)
	}
	return nil
}
