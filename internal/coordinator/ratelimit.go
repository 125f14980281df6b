package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
)

// RateBucket is a token-bucket limiter shared across every process hitting
// the same (tenant, provider) pair. Persisted state (tokens, updated_at) in
// coordinator_rate_buckets lets the bucket survive a worker restart; an
// in-memory golang.org/x/time/rate.Limiter smooths bursts within a single
// process between the relatively infrequent database round trips.
type RateBucket struct {
	pool       *pgxpool.Pool
	key        string
	ratePerSec float64
	burst      float64
	local      *rate.Limiter
}

// NewRateBucket returns a bucket keyed by key (typically "tenant:provider"),
// refilling at ratePerSec tokens/second up to burst capacity.
func NewRateBucket(pool *pgxpool.Pool, key string, ratePerSec float64, burst int) *RateBucket {
	return &RateBucket{
		pool:       pool,
		key:        key,
		ratePerSec: ratePerSec,
		burst:      float64(burst),
		local:      rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// Allow reports whether a call against the limited resource is permitted
// right now, consuming one token if so. Callers that get false should
// treat the failure as errs.RateLimited and back off by 1/ratePerSec.
func (b *RateBucket) Allow(ctx context.Context) (bool, error) {
	if !b.local.Allow() {
		return false, nil
	}
	tokens, updatedAt, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	elapsed := time.Since(updatedAt).Seconds()
	tokens = min(b.burst, tokens+elapsed*b.ratePerSec)
	if tokens < 1 {
		return false, b.store(ctx, tokens)
	}
	return true, b.store(ctx, tokens-1)
}

func (b *RateBucket) load(ctx context.Context) (tokens float64, updatedAt time.Time, err error) {
	const q = `SELECT tokens, updated_at FROM coordinator_rate_buckets WHERE bucket_key = $1`
	err = b.pool.QueryRow(ctx, q, b.key).Scan(&tokens, &updatedAt)
	if err == pgx.ErrNoRows {
		return b.burst, time.Now(), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("coordinator: load rate bucket %s: %w", b.key, err)
	}
	return tokens, updatedAt, nil
}

func (b *RateBucket) store(ctx context.Context, tokens float64) error {
	const q = `
	INSERT INTO coordinator_rate_buckets (bucket_key, tokens, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (bucket_key) DO UPDATE SET tokens = EXCLUDED.tokens, updated_at = now()
	`
	if _, err := b.pool.Exec(ctx, q, b.key, tokens); err != nil {
		return fmt.Errorf("coordinator: store rate bucket %s: %w", b.key, err)
	}
	return nil
}
