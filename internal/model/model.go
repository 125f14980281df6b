// Package model holds the plain-struct entities of the ingestion pipeline's
// data model (spec §3). No entity is owned by two components: the
// relational store owns these rows, the stream bus owns in-flight ordering,
// the CAS owns bytes, and the coordinator owns ephemeral cursors and locks.
package model

import "time"

// PostSource identifies where a post originated.
type PostSource string

const (
	SourceChannel PostSource = "channel"
	SourceGroup   PostSource = "group"
	SourceDM      PostSource = "dm"
	SourcePersona PostSource = "persona"
)

// EnrichmentStatus is the monotonic pipeline state of a post.
type EnrichmentStatus string

const (
	StatusPending  EnrichmentStatus = "pending"
	StatusTagged   EnrichmentStatus = "tagged"
	StatusEnriched EnrichmentStatus = "enriched"
	StatusIndexed  EnrichmentStatus = "indexed"
	StatusFailed   EnrichmentStatus = "failed"
	StatusSkipped  EnrichmentStatus = "skipped"
)

// Terminal reports whether status is a terminal state for this pipeline pass.
func (s EnrichmentStatus) Terminal() bool {
	return s == StatusFailed || s == StatusSkipped
}

// rank gives the monotonic ordering of non-terminal states so callers can
// assert a transition never moves backward.
var rank = map[EnrichmentStatus]int{
	StatusPending:  0,
	StatusTagged:   1,
	StatusEnriched: 2,
	StatusIndexed:  3,
}

// AdvancesFrom reports whether moving from prev to next is a legal forward
// transition (terminal states are always a legal exit from any prior state).
func AdvancesFrom(prev, next EnrichmentStatus) bool {
	if next.Terminal() {
		return true
	}
	pr, prevOK := rank[prev]
	nr, nextOK := rank[next]
	return prevOK && nextOK && nr >= pr
}

// Channel is a subscribable chat/channel source.
type Channel struct {
	ChannelUUID   string
	Tenant        string
	TgChannelID   *int64 // negative for persona DM virtual channels
	Username      *string
	Active        bool
	LastParsedAt  *time.Time
	Settings      map[string]any
}

// Valid reports the channel invariant: must have at least one of TgChannelID
// or Username.
func (c Channel) Valid() bool {
	return c.TgChannelID != nil || (c.Username != nil && *c.Username != "")
}

// IsPersona reports whether this is a persona DM virtual channel.
func (c Channel) IsPersona() bool {
	return c.TgChannelID != nil && *c.TgChannelID < 0
}

// Subscription links a user to a channel. Parsers must never create these.
type Subscription struct {
	UserUUID     string
	ChannelUUID  string
	Active       bool
	SubscribedAt time.Time
}

// MediaRef is one media attachment on a post.
type MediaRef struct {
	SHA256 string
	MIME   string
	S3Key  string
}

// Post is a single message persisted from a channel.
type Post struct {
	PostUUID         string
	Tenant           string
	ChannelUUID      string
	TgMessageID      int64
	Source           PostSource
	PostedAt         time.Time
	Content          string
	GroupedID        *int64
	MediaRefs        []MediaRef
	ForwardRef       *string
	ReplyRef         *string
	AuthorRef        *string
	ExpiresAt        time.Time
	ContentHash      string
	EnrichmentStatus EnrichmentStatus
}

// PostExpiry is the retention window for a post from its posted_at time.
const PostExpiry = 90 * 24 * time.Hour

// MediaObject is a content-addressed blob, one row per unique sha256.
type MediaObject struct {
	SHA256      string
	MIME        string
	Size        int64
	S3Key       string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// MediaGroup is an album: posts sharing a grouped_id, treated as one unit.
type MediaGroup struct {
	GroupUUID   string
	ChannelUUID string
	GroupedID   int64
	ItemsCount  int
	ItemRefs    []string // post_uuids, one per slot
	MediaSHA256 []string // parallel array, one sha256 per slot
	MediaTypes  []string // parallel array, one mime type per slot
}

// Valid enforces: |item_refs| == items_count == |media_types| == |media_sha256s|.
func (g MediaGroup) Valid() bool {
	n := g.ItemsCount
	return n == len(g.ItemRefs) && n == len(g.MediaTypes) && n == len(g.MediaSHA256)
}

// EnrichmentKind names a post_enrichment row's payload shape.
type EnrichmentKind string

const (
	KindTags    EnrichmentKind = "tags"
	KindVision  EnrichmentKind = "vision"
	KindOCR     EnrichmentKind = "ocr"
	KindCrawl   EnrichmentKind = "crawl"
	KindGeneral EnrichmentKind = "general"
)

// PostEnrichment is one provider result for a post. Unique on (post_uuid, kind).
type PostEnrichment struct {
	PostUUID  string
	Kind      EnrichmentKind
	Provider  string
	Data      map[string]any
	CreatedAt time.Time
}

// PipelineState is the status of one async subsystem (embedding or graph).
type PipelineState string

const (
	PipelinePending    PipelineState = "pending"
	PipelineProcessing PipelineState = "processing"
	PipelineCompleted  PipelineState = "completed"
	PipelineFailed     PipelineState = "failed"
	PipelineSkipped    PipelineState = "skipped"
)

// IndexingStatus tracks embedding/graph progress for a post. Auto-created on
// post insert by a DB trigger equivalent (see store/postgres schema).
type IndexingStatus struct {
	PostUUID       string
	EmbeddingState PipelineState
	GraphState     PipelineState
	RetryCount     int
	LastError      string
}

// OutboxEvent is a row written in the same transaction as business state;
// a relay later publishes it to the stream bus. Dedup key is
// (aggregate_id, event_type, content_hash) while processed_at IS NULL.
type OutboxEvent struct {
	ID            int64
	Tenant        string
	EventType     string
	AggregateID   string
	ContentHash   string
	Payload       map[string]any
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	Retries       int
	LastError     string
}

// ClusterStatus is the lifecycle state of a trend cluster.
type ClusterStatus string

const (
	ClusterEmerging ClusterStatus = "emerging"
	ClusterStable   ClusterStatus = "stable"
	ClusterClosed   ClusterStatus = "closed"
)

// Cluster is a trend-detection topic cluster, up to two hierarchy levels.
type Cluster struct {
	ClusterUUID   string
	Tenant        string
	Label         string
	PrimaryTopic  string
	Centroid      []float32
	Status        ClusterStatus
	IsGeneric     bool
	Coherence     float64
	ParentUUID    *string
	Level         int // 1 or 2
	LastActivity  time.Time
	FreqShort     float64
	Baseline      float64
	SourceChans   map[string]struct{} // diversity set
}

// MaxClusterLevel caps the hierarchy to prevent cycles (spec §9).
const MaxClusterLevel = 2

// ContentType namespaces StorageUsage rows.
type ContentType string

const (
	ContentMedia ContentType = "media"
	ContentVision ContentType = "vision"
	ContentCrawl ContentType = "crawl"
)

// StorageUsage is an UPSERT-maintained per-tenant byte/object counter.
type StorageUsage struct {
	Tenant      string
	ContentType ContentType
	Bytes       int64
	Objects     int64
	LastUpdated time.Time
}
