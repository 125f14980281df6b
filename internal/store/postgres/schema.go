package postgres

// Schema is applied at startup, mirroring the teacher's
// apply-schema-then-best-effort-ALTER pattern (see timeline.NewTimelineService
// in the teacher repo) but targeting Postgres instead of SQLite so JSONB,
// ON CONFLICT, and row-level security are available.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	channel_uuid   UUID PRIMARY KEY,
	tenant         TEXT NOT NULL,
	tg_channel_id  BIGINT,
	username       TEXT,
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	last_parsed_at TIMESTAMPTZ,
	settings       JSONB NOT NULL DEFAULT '{}'::jsonb,
	CONSTRAINT channels_identity_chk CHECK (tg_channel_id IS NOT NULL OR username IS NOT NULL)
);
CREATE UNIQUE INDEX IF NOT EXISTS channels_tg_real_uniq
	ON channels (tg_channel_id) WHERE tg_channel_id IS NOT NULL AND tg_channel_id > 0;
CREATE UNIQUE INDEX IF NOT EXISTS channels_tg_persona_uniq
	ON channels (tg_channel_id) WHERE tg_channel_id IS NOT NULL AND tg_channel_id < 0;
CREATE INDEX IF NOT EXISTS channels_last_parsed_idx ON channels (last_parsed_at NULLS FIRST) WHERE active;

CREATE TABLE IF NOT EXISTS user_channel (
	user_uuid     UUID NOT NULL,
	channel_uuid  UUID NOT NULL REFERENCES channels(channel_uuid),
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	subscribed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_uuid, channel_uuid)
);

CREATE TABLE IF NOT EXISTS posts (
	post_uuid         UUID PRIMARY KEY,
	tenant            TEXT NOT NULL,
	channel_uuid      UUID NOT NULL REFERENCES channels(channel_uuid),
	tg_message_id     BIGINT NOT NULL,
	source            TEXT NOT NULL,
	posted_at         TIMESTAMPTZ NOT NULL,
	content           TEXT NOT NULL DEFAULT '',
	grouped_id        BIGINT,
	forward_ref       TEXT,
	reply_ref         TEXT,
	author_ref        TEXT,
	expires_at        TIMESTAMPTZ NOT NULL,
	content_hash      TEXT NOT NULL,
	enrichment_status TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (channel_uuid, tg_message_id)
);
CREATE INDEX IF NOT EXISTS posts_channel_grouped_idx ON posts (channel_uuid, grouped_id) WHERE grouped_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS posts_expires_idx ON posts (expires_at);
CREATE INDEX IF NOT EXISTS posts_tenant_status_idx ON posts (tenant, enrichment_status);

CREATE TABLE IF NOT EXISTS media_objects (
	sha256        TEXT PRIMARY KEY,
	mime          TEXT NOT NULL,
	size          BIGINT NOT NULL,
	s3_key        TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS post_media_map (
	post_uuid UUID NOT NULL REFERENCES posts(post_uuid),
	sha256    TEXT NOT NULL REFERENCES media_objects(sha256),
	slot      INT NOT NULL,
	PRIMARY KEY (post_uuid, sha256)
);

CREATE TABLE IF NOT EXISTS media_groups (
	group_uuid   UUID PRIMARY KEY,
	channel_uuid UUID NOT NULL REFERENCES channels(channel_uuid),
	grouped_id   BIGINT NOT NULL,
	items_count  INT NOT NULL,
	item_refs    UUID[] NOT NULL,
	UNIQUE (channel_uuid, grouped_id)
);

CREATE TABLE IF NOT EXISTS post_enrichment (
	post_uuid  UUID NOT NULL REFERENCES posts(post_uuid),
	kind       TEXT NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (post_uuid, kind)
);

CREATE TABLE IF NOT EXISTS indexing_status (
	post_uuid       UUID PRIMARY KEY REFERENCES posts(post_uuid),
	embedding_status TEXT NOT NULL DEFAULT 'pending',
	graph_status     TEXT NOT NULL DEFAULT 'pending',
	retry_count      INT NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id           BIGSERIAL PRIMARY KEY,
	tenant       TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ,
	retries      INT NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS outbox_dedup_unprocessed_uniq
	ON outbox_events (aggregate_id, event_type, content_hash) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx ON outbox_events (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS clusters (
	cluster_uuid  UUID PRIMARY KEY,
	tenant        TEXT NOT NULL,
	label         TEXT NOT NULL DEFAULT '',
	primary_topic TEXT NOT NULL DEFAULT '',
	centroid      DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'emerging',
	is_generic    BOOLEAN NOT NULL DEFAULT FALSE,
	coherence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	parent_uuid   UUID REFERENCES clusters(cluster_uuid),
	level         INT NOT NULL DEFAULT 1,
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	freq_short    DOUBLE PRECISION NOT NULL DEFAULT 0,
	baseline      DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_channels TEXT[] NOT NULL DEFAULT '{}',
	CONSTRAINT clusters_level_chk CHECK (level BETWEEN 1 AND 2)
);

CREATE TABLE IF NOT EXISTS storage_usage (
	tenant       TEXT NOT NULL,
	content_type TEXT NOT NULL,
	bytes        BIGINT NOT NULL DEFAULT 0,
	objects      BIGINT NOT NULL DEFAULT 0,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant, content_type)
);

CREATE TABLE IF NOT EXISTS digest_history (
	id         BIGSERIAL PRIMARY KEY,
	tenant     TEXT NOT NULL,
	user_uuid  UUID NOT NULL,
	digest_date DATE NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at    TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT '',
	UNIQUE (user_uuid, digest_date)
);

-- coordinator-owned tables: locks, HWM cursors, idempotency, rate buckets,
-- and stream pending/claim tracking. Logically these belong to C4/C3, but
-- they share the Postgres connection pool rather than a separate KV store.
CREATE TABLE IF NOT EXISTS coordinator_locks (
	lock_key    TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS coordinator_cursors (
	cursor_key TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS coordinator_rate_buckets (
	bucket_key  TEXT PRIMARY KEY,
	tokens      DOUBLE PRECISION NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stream_pending (
	stream      TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	consumer_group TEXT NOT NULL,
	claimed_by  TEXT NOT NULL,
	claimed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_until TIMESTAMPTZ NOT NULL,
	attempts    INT NOT NULL DEFAULT 0,
	PRIMARY KEY (stream, consumer_group, message_id)
);
CREATE INDEX IF NOT EXISTS stream_pending_lease_idx ON stream_pending (lease_until);
`

// RowLevelSecurityStatement returns the per-table RLS policy binding reads
// and writes to the session variable app.current_tenant. Applied once per
// tenant-scoped table after Schema.
func RowLevelSecurityStatement(table string) string {
	return `
ALTER TABLE ` + table + ` ENABLE ROW LEVEL SECURITY;
DROP POLICY IF EXISTS tenant_isolation ON ` + table + `;
CREATE POLICY tenant_isolation ON ` + table + `
	USING (tenant = current_setting('app.current_tenant', true))
	WITH CHECK (tenant = current_setting('app.current_tenant', true));
`
}

// TenantScopedTables lists every table carrying a tenant column, in the
// order RowLevelSecurityStatement should be applied.
var TenantScopedTables = []string{
	"channels",
	"posts",
	"outbox_events",
	"clusters",
	"storage_usage",
	"digest_history",
}
