package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/store/postgres"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// PostIndexedPayload is the posts.indexed envelope payload.
type PostIndexedPayload struct {
	PostUUID string `json:"post_uuid"`
	Status   string `json:"status"`
}

// HealthChecker probes an external provider's liveness endpoint.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// EmbeddingProbe caches a provider health check for probeTTL so every
// indexing worker doesn't hit /v1/models once per message (spec §4.6).
type EmbeddingProbe struct {
	mu        sync.Mutex
	checker   HealthChecker
	ttl       time.Duration
	lastCheck time.Time
	lastErr   error
	now       func() time.Time
}

// NewEmbeddingProbe builds a probe with the given TTL.
func NewEmbeddingProbe(checker HealthChecker, ttl time.Duration) *EmbeddingProbe {
	return &EmbeddingProbe{checker: checker, ttl: ttl, now: time.Now}
}

// Healthy returns the cached probe result, refreshing it once ttl elapses.
func (p *EmbeddingProbe) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.now().Sub(p.lastCheck) >= p.ttl {
		p.lastErr = p.checker.Check(ctx)
		p.lastCheck = p.now()
	}
	return p.lastErr == nil
}

// IndexStatusRepo is the subset of postgres.IndexingRepo the indexing stage
// updates.
type IndexStatusRepo interface {
	UpdateEmbeddingState(ctx context.Context, postUUID string, state model.PipelineState, lastErr string, bumpRetry bool) error
	UpdateGraphState(ctx context.Context, postUUID string, state model.PipelineState, lastErr string, bumpRetry bool) error
}

// IndexingStage implements spec §4.6's embedding half: produce and store a
// post's vector embedding.
type IndexingStage struct {
	Posts    PostReader
	Indexing IndexStatusRepo
	Embedder providers.Embedder
	Vectors  providers.VectorStore
	Probe    *EmbeddingProbe
	Pub      Publisher
	Topic    string
	Metrics  *metrics.Registry
	log      *slog.Logger
}

// NewIndexingStage builds an IndexingStage.
func NewIndexingStage(posts PostReader, indexing IndexStatusRepo, embedder providers.Embedder, vectors providers.VectorStore, probe *EmbeddingProbe, pub Publisher, topic string, reg *metrics.Registry) *IndexingStage {
	return &IndexingStage{
		Posts: posts, Indexing: indexing, Embedder: embedder, Vectors: vectors, Probe: probe,
		Pub: pub, Topic: topic, Metrics: reg, log: slog.Default().With("component", "indexing"),
	}
}

// Handle implements streambus.Handler for the posts.enriched consumer group.
func (s *IndexingStage) Handle(ctx context.Context, env streambus.Envelope) error {
	m, err := payloadMap(env.Payload)
	if err != nil {
		return err
	}
	postUUID := stringField(m, "post_uuid")

	status, handleErr := s.index(ctx, postUUID)
	if s.Metrics != nil {
		s.Metrics.IndexingProcessed.WithLabelValues(status).Inc()
	}

	pubErr := PublishDownstream(ctx, s.Pub, env.Tenant, s.Topic, "posts.indexed.v1", postUUID+":indexed:v1", PostIndexedPayload{
		PostUUID: postUUID, Status: status,
	})
	if pubErr != nil {
		return pubErr
	}
	return handleErr
}

func (s *IndexingStage) index(ctx context.Context, postUUID string) (status string, err error) {
	post, err := s.Posts.Get(ctx, postUUID)
	if errors.Is(err, postgres.ErrNotFound) {
		_ = s.Indexing.UpdateEmbeddingState(ctx, postUUID, model.PipelineSkipped, "post not found", false)
		return "skipped", nil // spec §4.6: post-not-found is skipped, not failed
	}
	if err != nil {
		return "failed", errs.Transient(fmt.Errorf("indexing: load post %s: %w", postUUID, err))
	}

	if s.Probe != nil && !s.Probe.Healthy(ctx) {
		return "failed", errs.Transient(fmt.Errorf("indexing: embedding provider unhealthy"))
	}

	vector, err := s.Embedder.Embed(ctx, post.Content)
	if err != nil {
		_ = s.Indexing.UpdateEmbeddingState(ctx, postUUID, model.PipelineFailed, err.Error(), true)
		return "failed", errs.Transient(fmt.Errorf("indexing: embed %s: %w", postUUID, err))
	}

	if err := s.Vectors.Upsert(ctx, postUUID, vector, map[string]any{"tenant": post.Tenant, "channel_uuid": post.ChannelUUID}); err != nil {
		_ = s.Indexing.UpdateEmbeddingState(ctx, postUUID, model.PipelineFailed, err.Error(), true)
		return "failed", errs.Transient(fmt.Errorf("indexing: upsert vector %s: %w", postUUID, err))
	}

	if err := s.Indexing.UpdateEmbeddingState(ctx, postUUID, model.PipelineCompleted, "", false); err != nil {
		return "failed", errs.Transient(fmt.Errorf("indexing: update embedding state %s: %w", postUUID, err))
	}
	return "completed", nil
}

// GraphWriterStage implements spec §4.6's separate posts.parsed consumer:
// project a post's structural relationships into the graph store. Unlike
// the other stages this one has no downstream topic in the spec's
// producer/consumer table, so it does not publish further.
type GraphWriterStage struct {
	Posts    PostReader
	Indexing IndexStatusRepo
	Graph    providers.GraphWriter
	Metrics  *metrics.Registry
	log      *slog.Logger
}

// NewGraphWriterStage builds a GraphWriterStage.
func NewGraphWriterStage(posts PostReader, indexing IndexStatusRepo, graph providers.GraphWriter, reg *metrics.Registry) *GraphWriterStage {
	return &GraphWriterStage{Posts: posts, Indexing: indexing, Graph: graph, Metrics: reg, log: slog.Default().With("component", "graph_writer")}
}

// Handle implements streambus.Handler for the posts.parsed consumer group.
func (g *GraphWriterStage) Handle(ctx context.Context, env streambus.Envelope) error {
	m, err := payloadMap(env.Payload)
	if err != nil {
		return err
	}
	postUUID := stringField(m, "post_uuid")
	channelUUID := stringField(m, "channel_uuid")

	post, err := g.Posts.Get(ctx, postUUID)
	if errors.Is(err, postgres.ErrNotFound) {
		_ = g.Indexing.UpdateGraphState(ctx, postUUID, model.PipelineSkipped, "post not found", false)
		return nil
	}
	if err != nil {
		return errs.Transient(fmt.Errorf("graph_writer: load post %s: %w", postUUID, err))
	}

	if err := g.Graph.UpsertPost(ctx, post.PostUUID, channelUUID, nil); err != nil {
		_ = g.Indexing.UpdateGraphState(ctx, postUUID, model.PipelineFailed, err.Error(), true)
		return errs.Transient(fmt.Errorf("graph_writer: upsert post %s: %w", postUUID, err))
	}
	return g.Indexing.UpdateGraphState(ctx, postUUID, model.PipelineCompleted, "", false)
}
