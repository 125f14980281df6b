package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chanforge/ingestfab/internal/config"
	"github.com/chanforge/ingestfab/internal/coordinator"
	"github.com/chanforge/ingestfab/internal/media"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/outboxrelay"
	"github.com/chanforge/ingestfab/internal/parser"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/quota"
	"github.com/chanforge/ingestfab/internal/scheduler"
	"github.com/chanforge/ingestfab/internal/sourceclient"
	"github.com/chanforge/ingestfab/internal/stages"
	"github.com/chanforge/ingestfab/internal/store/cas"
	"github.com/chanforge/ingestfab/internal/store/postgres"
	"github.com/chanforge/ingestfab/internal/streambus"
	"github.com/chanforge/ingestfab/internal/supervisor"
)

var runMetricsAddr string

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", ":9090", "Address to serve /metrics on")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every pipeline worker (scheduler, outbox relay, stage consumer groups) under one supervisor",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := prometheus.NewRegistry()
	reg := metrics.New(registry)

	store, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer store.Close()

	casStore, err := cas.Open(ctx, cas.Config{Bucket: cfg.CAS.Bucket, Region: cfg.CAS.Region, Endpoint: cfg.CAS.Endpoint})
	if err != nil {
		return fmt.Errorf("open cas: %w", err)
	}

	vectorStore, err := providers.NewQdrantStore(providers.QdrantConfig{
		Host: cfg.Qdrant.Host, Port: cfg.Qdrant.Port, APIKey: cfg.Qdrant.APIKey,
		UseTLS: cfg.Qdrant.UseTLS, Collection: cfg.Qdrant.Collection, VectorSize: cfg.Qdrant.VectorSize,
	})
	if err != nil {
		return fmt.Errorf("open qdrant: %w", err)
	}
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure qdrant collection: %w", err)
	}

	graphStore, err := providers.NewGraphStore(ctx, providers.Neo4jConfig{
		URI: cfg.Neo4j.URI, Username: cfg.Neo4j.Username, Password: cfg.Neo4j.Password, Database: cfg.Neo4j.Database,
	})
	if err != nil {
		return fmt.Errorf("open neo4j: %w", err)
	}

	httpProvider := providers.NewHTTPClient(providers.HTTPClientConfig{
		APIKey: cfg.Providers.APIKey, APIBase: cfg.Providers.APIBase,
		TaggingModel: cfg.Providers.TaggingModel, VisionModel: cfg.Providers.VisionModel,
		OCRModel: cfg.Providers.OCRModel, CrawlModel: cfg.Providers.CrawlModel,
		EmbeddingModel: cfg.Providers.EmbeddingModel,
	})

	if cfg.Slack.BotToken == "" {
		return fmt.Errorf("run: SLACK_BOT_TOKEN is required (no source configured)")
	}
	var source sourceclient.Source = sourceclient.NewSlackSource(sourceclient.SlackConfig{BotToken: cfg.Slack.BotToken})

	quotaEngine := quota.NewEngine(store.Usage, cfg.Quota.PerTenantMaxGB)
	enrichmentTrigger := quota.NewEnrichmentTrigger(cfg.Enrichment.TriggerTags, cfg.Enrichment.MinWordCount)

	mediaProc := media.New(store.Media, store.Posts, store.Outbox, store.Usage, casStore, quotaEngine, &media.HTTPDownloader{})
	parserSvc := parser.New(store.Pool(), store.Channels, store.Posts, store.Outbox, store.Indexing, source, mediaProc, cfg.Parser, reg)

	holderID, _ := os.Hostname()
	if holderID == "" {
		holderID = "pipeline"
	}

	sched := scheduler.New(cfg.Scheduler, cfg.Parser, store.Pool(), store.Channels, parserSvc, reg, holderID)

	producer := streambus.NewProducer(cfg.Streams.Brokers)
	embeddingProbe := stages.NewEmbeddingProbe(httpProvider, cfg.Coordinator.EmbeddingProbeTTL)

	lockFactory := func(key string, ttl time.Duration) stages.Locker {
		return coordinator.NewLock(store.Pool(), key, holderID, ttl)
	}

	sup := supervisor.New(reg)
	sup.Register(supervisor.TaskConfig{Name: "scheduler", Factory: sched.Run})
	sup.Register(supervisor.TaskConfig{Name: "outbox_relay", Factory: outboxrelay.New(store.Outbox, producer, 100, 2*time.Second).Run})

	// Every stage publishes to a tenant-scoped downstream topic baked in at
	// construction time, so each tenant gets its own stage instances rather
	// than one shared set — mirroring the teacher's per-tenant envelope
	// topic convention (e.g. "acme.posts.tagged").
	for _, tenant := range tenantsOrDefault(cfg.Scheduler.Tenants) {
		taggingStage := stages.NewTaggingStage(store.Posts, store.Enrichment, store.Posts, httpProvider, producer, streambus.TopicFor(tenant, streambus.StreamPostsTagged), reg)
		enrichmentStage := stages.NewEnrichmentStage(store.Posts, store.Enrichment, enrichmentTrigger, quotaEngine, httpProvider, producer, streambus.TopicFor(tenant, streambus.StreamPostsEnriched), reg)
		visionStage := stages.NewVisionStage(casStore, store.Enrichment, store.Usage, quotaEngine, httpProvider, httpProvider, cfg.Vision, producer, streambus.TopicFor(tenant, "posts.vision_result"), "openai-compatible", cfg.Providers.VisionModel, reg)
		indexingStage := stages.NewIndexingStage(store.Posts, store.Indexing, httpProvider, vectorStore, embeddingProbe, producer, streambus.TopicFor(tenant, streambus.StreamPostsIndexed), reg)
		graphStage := stages.NewGraphWriterStage(store.Posts, store.Indexing, graphStore, reg)
		trendStage := stages.NewTrendStage(store.Posts, store.Clusters, httpProvider, graphStore, coordinator.Deduper{Pool: store.Pool()}, coordinator.Deduper{Pool: store.Pool()}, producer, streambus.TopicFor(tenant, streambus.StreamTrendCandidates), cfg.Trend, reg)
		digestStage := stages.NewDigestStage(store.Digests, store.Posts, httpProvider, lockFactory, cfg.Digest.DedupWindow, producer, streambus.TopicFor(tenant, streambus.StreamDigestReady), reg)

		registerRouter(sup, cfg, store, producer, tenant, streambus.StreamPostsPersisted, "tagging", cfg.Tagging.Workers, taggingStage.Handle)
		registerRouter(sup, cfg, store, producer, tenant, streambus.StreamPostsTagged, "enrichment", cfg.Enrichment.Workers, enrichmentStage.Handle)
		registerRouter(sup, cfg, store, producer, tenant, streambus.StreamPostsVision, "vision", cfg.Vision.Workers, visionStage.Handle)
		registerRouter(sup, cfg, store, producer, tenant, streambus.StreamPostsEnriched, "indexing", cfg.Indexing.Workers, indexingStage.Handle)
		registerRouter(sup, cfg, store, producer, tenant, streambus.StreamPostsPersisted, "graph", cfg.Indexing.Workers, graphStage.Handle)
		registerRouter(sup, cfg, store, producer, tenant, streambus.StreamPostsIndexed, "trend", cfg.Trend.Workers, trendStage.Handle)
		registerRouter(sup, cfg, store, producer, tenant, "digests.generate", "digest", cfg.Digest.Workers, digestStage.Handle)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: runMetricsAddr, Handler: mux}
	sup.Register(supervisor.TaskConfig{Name: "metrics_http", Factory: func(taskCtx context.Context) error {
		go func() {
			<-taskCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}})

	return sup.Run(ctx)
}

// registerRouter wires one GroupRouter per (tenant, stream) pair into the
// supervisor. Each router reads the tenant's own topic under groupName, the
// stage's consumer group, which every tenant's router for that stage shares;
// the per-tenant topic keeps a slow tenant from backing up another's traffic.
func registerRouter(sup *supervisor.Supervisor, cfg config.Config, store *postgres.Store, producer *streambus.Producer, tenant string, stream streambus.Stream, groupName string, workers int, handle streambus.Handler) {
	topic := streambus.TopicFor(tenant, stream)
	consumer := streambus.NewKafkaGroupConsumer(cfg.Streams.Brokers, groupName, []string{topic})

	router := &streambus.GroupRouter{
		Topic:         topic,
		ConsumerGroup: groupName,
		ClaimedBy:     groupName,
		MaxRetries:    cfg.Streams.MaxRetries,
		PendingLease:  cfg.Streams.PendingIdle,
		Consumer:      consumer,
		Producer:      producer,
		Pool:          store.Pool(),
		Handle:        handle,
	}
	for i := 0; i < maxInt(workers, 1); i++ {
		taskName := fmt.Sprintf("%s:%s:%d", groupName, tenant, i)
		sup.Register(supervisor.TaskConfig{Name: taskName, Factory: router.Run})
	}
}

func tenantsOrDefault(tenants []string) []string {
	if len(tenants) == 0 {
		return []string{"default"}
	}
	return tenants
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
