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

// ErrNotFound is returned by single-row lookups that find nothing, mirroring
// the teacher's "task not found" sentinel pattern but as a comparable value
// rather than a formatted string.
var ErrNotFound = errors.New("postgres: not found")

// ChannelRepo persists channels and their user subscriptions.
type ChannelRepo struct {
	pool *pgxpool.Pool
}

// Get returns a channel by UUID, or ErrNotFound.
func (r *ChannelRepo) Get(ctx context.Context, channelUUID string) (model.Channel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT channel_uuid, tenant, tg_channel_id, username, active, last_parsed_at, settings
		FROM channels WHERE channel_uuid = $1`
	return scanChannel(r.pool.QueryRow(ctx, q, channelUUID))
}

// GetByTgID returns a channel by its Telegram channel id, or ErrNotFound.
func (r *ChannelRepo) GetByTgID(ctx context.Context, tgChannelID int64) (model.Channel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT channel_uuid, tenant, tg_channel_id, username, active, last_parsed_at, settings
		FROM channels WHERE tg_channel_id = $1`
	return scanChannel(r.pool.QueryRow(ctx, q, tgChannelID))
}

func scanChannel(row pgx.Row) (model.Channel, error) {
	var c model.Channel
	var settings []byte
	err := row.Scan(&c.ChannelUUID, &c.Tenant, &c.TgChannelID, &c.Username, &c.Active, &c.LastParsedAt, &settings)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Channel{}, ErrNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("postgres: scan channel: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return model.Channel{}, fmt.Errorf("postgres: unmarshal channel settings: %w", err)
		}
	}
	return c, nil
}

// Upsert inserts a channel or updates its mutable fields (username, active,
// settings) when a channel with the same channel_uuid already exists.
func (r *ChannelRepo) Upsert(ctx context.Context, c model.Channel) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("postgres: marshal channel settings: %w", err)
	}
	const q = `
	INSERT INTO channels (channel_uuid, tenant, tg_channel_id, username, active, last_parsed_at, settings)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (channel_uuid) DO UPDATE SET
		username = EXCLUDED.username,
		active = EXCLUDED.active,
		settings = EXCLUDED.settings
	`
	_, err = r.pool.Exec(ctx, q, c.ChannelUUID, c.Tenant, c.TgChannelID, c.Username, c.Active, c.LastParsedAt, settings)
	if err != nil {
		return fmt.Errorf("postgres: upsert channel: %w", err)
	}
	return nil
}

// UpdateLastParsedAt advances the scheduler's high-watermark for a channel.
// The parser writes this after the parse batch it covers has committed.
func (r *ChannelRepo) UpdateLastParsedAt(ctx context.Context, channelUUID string, ts any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `UPDATE channels SET last_parsed_at = $2 WHERE channel_uuid = $1`
	if _, err := r.pool.Exec(ctx, q, channelUUID, ts); err != nil {
		return fmt.Errorf("postgres: update last_parsed_at: %w", err)
	}
	return nil
}

// ListDueForScheduling returns up to limit active channels ordered by
// last_parsed_at with NULLs first, matching the scheduler's tick-loop
// selection order (spec §4.1).
func (r *ChannelRepo) ListDueForScheduling(ctx context.Context, tenant string, limit int) ([]model.Channel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT channel_uuid, tenant, tg_channel_id, username, active, last_parsed_at, settings
		FROM channels WHERE tenant = $1 AND active ORDER BY last_parsed_at NULLS FIRST LIMIT $2`
	rows, err := r.pool.Query(ctx, q, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IsSubscribed reports whether userUUID has an active subscription to
// channelUUID. The parser must check this before persisting a post from a
// DM source — it must never create a subscription on its own.
func (r *ChannelRepo) IsSubscribed(ctx context.Context, userUUID, channelUUID string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `SELECT EXISTS(SELECT 1 FROM user_channel WHERE user_uuid = $1 AND channel_uuid = $2 AND active)`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, userUUID, channelUUID).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: check subscription: %w", err)
	}
	return ok, nil
}

// CreateSubscription records a user's subscription to a channel. Only the
// onboarding/admin path calls this, never the parser.
func (r *ChannelRepo) CreateSubscription(ctx context.Context, s model.Subscription) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	const q = `
	INSERT INTO user_channel (user_uuid, channel_uuid, active, subscribed_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_uuid, channel_uuid) DO UPDATE SET active = EXCLUDED.active
	`
	if _, err := r.pool.Exec(ctx, q, s.UserUUID, s.ChannelUUID, s.Active, s.SubscribedAt); err != nil {
		return fmt.Errorf("postgres: create subscription: %w", err)
	}
	return nil
}
