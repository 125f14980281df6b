// Package config provides configuration types and loading for the ingestion
// pipeline. Grouped by component the way the fabric is wired, not by chat
// platform; every field enumerated in the spec's config surface has a home
// here with its documented default.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Postgres    PostgresConfig    `json:"postgres"`
	CAS         CASConfig         `json:"cas"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Streams     StreamsConfig     `json:"streams"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Parser      ParserConfig      `json:"parser"`
	Quota       QuotaConfig       `json:"quota"`
	Tagging     TaggingConfig     `json:"tagging"`
	Enrichment  EnrichmentConfig  `json:"enrichment"`
	Vision      VisionConfig      `json:"vision"`
	Indexing    IndexingConfig    `json:"indexing"`
	Trend       TrendConfig       `json:"trend"`
	Digest      DigestConfig      `json:"digest"`
	Feature     FeatureConfig     `json:"feature"`
	Qdrant      QdrantConfig      `json:"qdrant"`
	Neo4j       Neo4jConfig       `json:"neo4j"`
	Providers   ProvidersConfig   `json:"providers"`
	Slack       SlackConfig       `json:"slack"`
}

// QdrantConfig points the indexing stage's vector store at a collection.
type QdrantConfig struct {
	Host       string `json:"host" envconfig:"QDRANT_HOST"`
	Port       int    `json:"port" envconfig:"QDRANT_PORT"`
	APIKey     string `json:"apiKey,omitempty" envconfig:"QDRANT_API_KEY"`
	UseTLS     bool   `json:"useTLS" envconfig:"QDRANT_USE_TLS"`
	Collection string `json:"collection" envconfig:"QDRANT_COLLECTION"`
	VectorSize uint64 `json:"vectorSize" envconfig:"QDRANT_VECTOR_SIZE"`
}

// Neo4jConfig points the indexing stage's graph writer at a database.
type Neo4jConfig struct {
	URI      string `json:"uri" envconfig:"NEO4J_URI"`
	Username string `json:"username" envconfig:"NEO4J_USERNAME"`
	Password string `json:"password,omitempty" envconfig:"NEO4J_PASSWORD"`
	Database string `json:"database" envconfig:"NEO4J_DATABASE"`
}

// ProvidersConfig configures the OpenAI-compatible HTTP client backing
// tagging, vision, OCR, crawl and embedding.
type ProvidersConfig struct {
	APIKey         string `json:"apiKey,omitempty" envconfig:"PROVIDERS_API_KEY"`
	APIBase        string `json:"apiBase" envconfig:"PROVIDERS_API_BASE"`
	TaggingModel   string `json:"taggingModel" envconfig:"PROVIDERS_TAGGING_MODEL"`
	VisionModel    string `json:"visionModel" envconfig:"PROVIDERS_VISION_MODEL"`
	OCRModel       string `json:"ocrModel" envconfig:"PROVIDERS_OCR_MODEL"`
	CrawlModel     string `json:"crawlModel" envconfig:"PROVIDERS_CRAWL_MODEL"`
	EmbeddingModel string `json:"embeddingModel" envconfig:"PROVIDERS_EMBEDDING_MODEL"`
}

// SlackConfig configures the Slack ingestion source (internal/sourceclient).
type SlackConfig struct {
	BotToken string `json:"botToken,omitempty" envconfig:"SLACK_BOT_TOKEN"`
}

// PostgresConfig configures the relational store (C2).
type PostgresConfig struct {
	DSN             string        `json:"dsn" envconfig:"POSTGRES_DSN"`
	MaxConns        int32         `json:"maxConns" envconfig:"POSTGRES_MAX_CONNS"`
	QueryTimeout    time.Duration `json:"queryTimeout" envconfig:"POSTGRES_QUERY_TIMEOUT"`
}

// CASConfig configures the content-addressed object store (C1).
type CASConfig struct {
	Bucket   string        `json:"bucket" envconfig:"CAS_BUCKET"`
	Endpoint string        `json:"endpoint,omitempty" envconfig:"CAS_ENDPOINT"`
	Region   string        `json:"region" envconfig:"CAS_REGION"`
	OpTimeout time.Duration `json:"opTimeout" envconfig:"CAS_OP_TIMEOUT"`
}

// CoordinatorConfig configures locks, HWM cursors, idempotency keys (C4).
type CoordinatorConfig struct {
	SchedulerLockTTL   time.Duration `json:"schedulerLockTTL" envconfig:"COORD_SCHEDULER_LOCK_TTL"`
	DigestLockTTL      time.Duration `json:"digestLockTTL" envconfig:"COORD_DIGEST_LOCK_TTL"`
	BackfillLockTTL    time.Duration `json:"backfillLockTTL" envconfig:"COORD_BACKFILL_LOCK_TTL"`
	StatsCacheTTL      time.Duration `json:"statsCacheTTL" envconfig:"COORD_STATS_CACHE_TTL"`
	EmbeddingProbeTTL  time.Duration `json:"embeddingProbeTTL" envconfig:"COORD_EMBED_PROBE_TTL"`
}

// StreamsConfig configures the Kafka-backed stream bus (C3).
type StreamsConfig struct {
	Brokers       string        `json:"brokers" envconfig:"STREAMS_BROKERS"`
	PendingIdle   time.Duration `json:"pendingIdle" envconfig:"STREAMS_PENDING_IDLE_MS"`
	MaxRetries    int           `json:"maxRetries" envconfig:"STREAMS_MAX_RETRIES"`
	ReadBlock     time.Duration `json:"readBlock" envconfig:"STREAMS_READ_BLOCK"`
	DLQRetention  time.Duration `json:"dlqRetention" envconfig:"STREAMS_DLQ_RETENTION"`
}

// SchedulerConfig configures the ingestion scheduler (C5).
type SchedulerConfig struct {
	IntervalSec   int           `json:"intervalSec" envconfig:"SCHEDULER_INTERVAL_SEC"`
	BatchSize     int           `json:"batchSize" envconfig:"SCHEDULER_BATCH_SIZE"`
	ParseConc     int           `json:"parseConc" envconfig:"SCHEDULER_PARSE_CONCURRENCY"`
	MaxJobRetries int           `json:"maxJobRetries" envconfig:"SCHEDULER_MAX_JOB_RETRIES"`
	LockTTL       time.Duration `json:"lockTTL" envconfig:"SCHEDULER_LOCK_TTL"`
	Tenants       []string      `json:"tenants" envconfig:"SCHEDULER_TENANTS"`
}

// ParserConfig configures the channel parser (C6).
type ParserConfig struct {
	IncrementalMinutes int `json:"incrementalMinutes" envconfig:"PARSER_INCREMENTAL_MINUTES"`
	LPAMaxAgeHours     int `json:"lpaMaxAgeHours" envconfig:"PARSER_LPA_MAX_AGE_HOURS"`
	HistoricalHours    int `json:"historicalHours" envconfig:"PARSER_HISTORICAL_HOURS"`
	StatsWindowDays    int `json:"statsWindowDays" envconfig:"PARSER_STATS_WINDOW_DAYS"`
}

// QuotaConfig configures per-tenant storage/budget checks (C9).
type QuotaConfig struct {
	PerTenantMaxGB float64 `json:"perTenantMaxGB" envconfig:"QUOTA_PER_TENANT_MAX_GB"`
}

// TaggingConfig configures the tagging stage.
type TaggingConfig struct {
	Workers int `json:"workers" envconfig:"TAGGING_WORKERS"`
}

// EnrichmentConfig configures the enrichment stage's crawl trigger policy.
type EnrichmentConfig struct {
	Workers      int      `json:"workers" envconfig:"ENRICHMENT_WORKERS"`
	TriggerTags  []string `json:"triggerTags" envconfig:"ENRICHMENT_TRIGGER_TAGS"`
	MinWordCount int      `json:"minWordCount" envconfig:"ENRICHMENT_MIN_WORD_COUNT"`
}

// VisionConfig configures the vision/OCR stage.
type VisionConfig struct {
	Workers           int  `json:"workers" envconfig:"VISION_WORKERS"`
	OCRFallbackEnabled bool `json:"ocrFallbackEnabled" envconfig:"VISION_OCR_FALLBACK_ENABLED"`
	CircuitFailThresh int  `json:"circuitFailThreshold" envconfig:"VISION_CIRCUIT_FAIL_THRESHOLD"`
	CircuitRecovery   time.Duration `json:"circuitRecovery" envconfig:"VISION_CIRCUIT_RECOVERY"`
	SchemaVersion     int  `json:"schemaVersion" envconfig:"VISION_SCHEMA_VERSION"`
}

// IndexingConfig configures the vector+graph indexing stage.
type IndexingConfig struct {
	Workers          int `json:"workers" envconfig:"INDEXING_WORKERS"`
	EmbeddingProbeURL string `json:"embeddingProbeURL" envconfig:"INDEXING_EMBED_PROBE_URL"`
}

// TrendConfig configures trend detection.
type TrendConfig struct {
	Workers             int     `json:"workers" envconfig:"TREND_WORKERS"`
	FreqRatioThreshold  float64 `json:"freqRatioThreshold" envconfig:"TREND_FREQ_RATIO_THRESHOLD"`
	MinSourceDiversity  int     `json:"minSourceDiversity" envconfig:"TREND_MIN_SOURCE_DIVERSITY"`
	CoherenceThreshold  float64 `json:"coherenceThreshold" envconfig:"TREND_COHERENCE_THRESHOLD"`
	SimilarityThreshold float64 `json:"similarityThreshold" envconfig:"TREND_SIMILARITY_THRESHOLD"`
	CooldownWindow      time.Duration `json:"cooldownWindow" envconfig:"TREND_COOLDOWN_WINDOW"`
}

// DigestConfig configures the digest worker.
type DigestConfig struct {
	Workers    int           `json:"workers" envconfig:"DIGEST_WORKERS"`
	DedupWindow time.Duration `json:"dedupWindow" envconfig:"DIGEST_DEDUP_WINDOW"`
}

// FeatureConfig groups boolean feature toggles.
type FeatureConfig struct {
	AdaptiveThresholds bool `json:"adaptiveThresholds" envconfig:"FEATURE_ADAPTIVE_THRESHOLDS"`
}

// Default returns the documented defaults from the spec's config surface.
func Default() Config {
	return Config{
		Postgres: PostgresConfig{
			MaxConns:     10,
			QueryTimeout: 30 * time.Second,
		},
		CAS: CASConfig{
			Region:    "us-east-1",
			OpTimeout: 60 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			SchedulerLockTTL:  60 * time.Second,
			DigestLockTTL:     30 * time.Second,
			BackfillLockTTL:   5 * time.Minute,
			StatsCacheTTL:     time.Hour,
			EmbeddingProbeTTL: 30 * time.Second,
		},
		Streams: StreamsConfig{
			PendingIdle:  30 * time.Second,
			MaxRetries:   3,
			ReadBlock:    5 * time.Second,
			DLQRetention: 30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			IntervalSec:   300,
			BatchSize:     50,
			ParseConc:     4,
			MaxJobRetries: 3,
			LockTTL:       60 * time.Second,
		},
		Parser: ParserConfig{
			IncrementalMinutes: 5,
			LPAMaxAgeHours:     48,
			HistoricalHours:    24,
			StatsWindowDays:    14,
		},
		Quota: QuotaConfig{
			PerTenantMaxGB: 2.0,
		},
		Tagging: TaggingConfig{Workers: 4},
		Enrichment: EnrichmentConfig{
			Workers:      4,
			MinWordCount: 500,
		},
		Vision: VisionConfig{
			Workers:            2,
			OCRFallbackEnabled: true,
			CircuitFailThresh:  5,
			CircuitRecovery:    60 * time.Second,
			SchemaVersion:      1,
		},
		Indexing: IndexingConfig{Workers: 4},
		Trend: TrendConfig{
			Workers:             2,
			FreqRatioThreshold:  3.0,
			MinSourceDiversity:  3,
			CoherenceThreshold:  0.55,
			SimilarityThreshold: 0.8,
			CooldownWindow:      6 * time.Hour,
		},
		Digest: DigestConfig{
			Workers:     2,
			DedupWindow: 30 * time.Second,
		},
		Feature: FeatureConfig{AdaptiveThresholds: true},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "ingestfab_posts",
			VectorSize: 1536,
		},
		Neo4j: Neo4jConfig{
			URI:      "neo4j://localhost:7687",
			Username: "neo4j",
			Database: "neo4j",
		},
		Providers: ProvidersConfig{
			APIBase:        "https://api.openai.com/v1",
			TaggingModel:   "gpt-4o-mini",
			VisionModel:    "gpt-4o-mini",
			OCRModel:       "gpt-4o-mini",
			CrawlModel:     "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
	}
}
