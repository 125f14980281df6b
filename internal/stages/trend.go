package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/chanforge/ingestfab/internal/config"
	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/store/postgres"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// ClusterRepo is the subset of postgres.ClusterRepo the trend stage needs.
type ClusterRepo interface {
	Create(ctx context.Context, c model.Cluster) error
	ListActiveByTenant(ctx context.Context, tenant string) ([]model.Cluster, error)
	UpdateActivity(ctx context.Context, clusterUUID string, ts any, freqShort float64, sourceChannel string) error
}

// Deduper marks a key seen once within a TTL window, returning whether it
// was already marked. The trend stage reuses this for two unrelated
// concerns — collapsing album-duplicate posts onto a single cluster bump,
// and enforcing a cluster's emission cooldown — the same shape the
// coordinator package already exposes for streambus idempotency.
type Deduper interface {
	CheckAndMark(ctx context.Context, key string, ttl time.Duration) (alreadyMarked bool, err error)
}

// TrendCandidatePayload is the trends.emerging envelope payload.
type TrendCandidatePayload struct {
	ClusterUUID string   `json:"cluster_uuid"`
	Tenant      string   `json:"tenant"`
	Label       string   `json:"label"`
	FreqShort   float64  `json:"freq_short"`
	Baseline    float64  `json:"baseline"`
	Diversity   int      `json:"diversity"`
	Coherence   float64  `json:"coherence"`
	SourcePosts []string `json:"source_posts"`
}

// TrendStage implements spec §4.9: assign an indexed post to a topic
// cluster, update its rolling activity stats, and emit trends.emerging
// only when every threshold is crossed at once. Unlike the chain stages
// before it, a non-emitting pass is not itself a pipeline event — most
// posts never become a trend — so this stage does not publish downstream
// on every message, only on an actual emission.
type TrendStage struct {
	Posts     PostReader
	Clusters  ClusterRepo
	Embedder  providers.Embedder
	Graph     providers.GraphWriter
	AlbumDedup Deduper
	Cooldown  Deduper
	Pub       Publisher
	Topic     string
	Cfg       config.TrendConfig
	Metrics   *metrics.Registry
	log       *slog.Logger
}

// NewTrendStage builds a TrendStage. graph may be nil, in which case
// cluster membership is recorded only in Postgres.
func NewTrendStage(posts PostReader, clusters ClusterRepo, embedder providers.Embedder, graph providers.GraphWriter, albumDedup, cooldown Deduper, pub Publisher, topic string, cfg config.TrendConfig, reg *metrics.Registry) *TrendStage {
	return &TrendStage{
		Posts: posts, Clusters: clusters, Embedder: embedder, Graph: graph, AlbumDedup: albumDedup, Cooldown: cooldown,
		Pub: pub, Topic: topic, Cfg: cfg, Metrics: reg, log: slog.Default().With("component", "trend"),
	}
}

// Handle implements streambus.Handler for the posts.indexed consumer group.
func (s *TrendStage) Handle(ctx context.Context, env streambus.Envelope) error {
	in, err := DecodePayload[PostIndexedPayload](env.Payload)
	if err != nil {
		return errs.SchemaInvalid(err, "posts_indexed_decode")
	}
	if in.Status != "completed" {
		return nil // nothing was embedded, nothing to cluster
	}

	post, err := s.Posts.Get(ctx, in.PostUUID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errs.Transient(fmt.Errorf("trend: load post %s: %w", in.PostUUID, err))
	}

	if post.GroupedID != nil {
		key := fmt.Sprintf("trend:album:%s:%d", post.Tenant, *post.GroupedID)
		seen, err := s.AlbumDedup.CheckAndMark(ctx, key, time.Hour)
		if err != nil {
			return errs.Transient(fmt.Errorf("trend: album dedup %s: %w", key, err))
		}
		if seen {
			return nil // a sibling album member already bumped this cluster
		}
	}

	cluster, created, err := s.assign(ctx, post)
	if err != nil {
		return err
	}
	if created {
		return nil // a brand new cluster cannot have crossed any threshold yet
	}

	reason := s.evaluate(cluster)
	if reason != "" {
		if s.Metrics != nil {
			s.Metrics.TrendSkipReason.WithLabelValues(reason).Inc()
		}
		return nil
	}

	cooldownKey := "trend:cooldown:" + cluster.ClusterUUID
	onCooldown, err := s.Cooldown.CheckAndMark(ctx, cooldownKey, s.Cfg.CooldownWindow)
	if err != nil {
		return errs.Transient(fmt.Errorf("trend: cooldown check %s: %w", cooldownKey, err))
	}
	if onCooldown {
		if s.Metrics != nil {
			s.Metrics.TrendSkipReason.WithLabelValues("cooldown").Inc()
		}
		return nil
	}

	return PublishDownstream(ctx, s.Pub, env.Tenant, s.Topic, "trends.emerging.v1", cluster.ClusterUUID+":emerging", TrendCandidatePayload{
		ClusterUUID: cluster.ClusterUUID, Tenant: cluster.Tenant, Label: cluster.Label,
		FreqShort: cluster.FreqShort, Baseline: cluster.Baseline, Diversity: len(cluster.SourceChans),
		Coherence: cluster.Coherence, SourcePosts: []string{post.PostUUID},
	})
}

// evaluate returns the first threshold the cluster fails, or "" if it
// clears all of them.
func (s *TrendStage) evaluate(c model.Cluster) string {
	ratio := 0.0
	if c.Baseline > 0 {
		ratio = c.FreqShort / c.Baseline
	} else if c.FreqShort > 0 {
		ratio = s.Cfg.FreqRatioThreshold // no baseline yet: don't block a brand new spike on a zero denominator
	}
	if ratio < s.Cfg.FreqRatioThreshold {
		return "ratio_low"
	}
	if len(c.SourceChans) < s.Cfg.MinSourceDiversity {
		return "diversity_low"
	}
	if c.Coherence < s.Cfg.CoherenceThreshold {
		return "coherence_low"
	}
	return ""
}

// assign finds the best matching active cluster for the post's embedding,
// or creates a new level-1 cluster when nothing clears the similarity
// threshold.
func (s *TrendStage) assign(ctx context.Context, post model.Post) (model.Cluster, bool, error) {
	vector, err := s.Embedder.Embed(ctx, post.Content)
	if err != nil {
		return model.Cluster{}, false, errs.Transient(fmt.Errorf("trend: embed post %s: %w", post.PostUUID, err))
	}

	active, err := s.Clusters.ListActiveByTenant(ctx, post.Tenant)
	if err != nil {
		return model.Cluster{}, false, errs.Transient(fmt.Errorf("trend: list clusters for %s: %w", post.Tenant, err))
	}

	var best model.Cluster
	bestSim := -1.0
	for _, c := range active {
		if sim := cosineSimilarity(vector, c.Centroid); sim > bestSim {
			best, bestSim = c, sim
		}
	}

	if bestSim >= s.Cfg.SimilarityThreshold {
		if err := s.Clusters.UpdateActivity(ctx, best.ClusterUUID, time.Now(), best.FreqShort+1, post.ChannelUUID); err != nil {
			return model.Cluster{}, false, errs.Transient(fmt.Errorf("trend: bump cluster %s: %w", best.ClusterUUID, err))
		}
		s.linkGraph(ctx, post.PostUUID, best.ClusterUUID)
		best.FreqShort++
		best.SourceChans[post.ChannelUUID] = struct{}{}
		return best, false, nil
	}

	created := model.Cluster{
		ClusterUUID:  uuid.NewString(),
		Tenant:       post.Tenant,
		Label:        truncateLabel(post.Content),
		Centroid:     vector,
		Status:       model.ClusterEmerging,
		Coherence:    1.0, // a lone founding post is perfectly coherent with itself
		Level:        1,
		LastActivity: time.Now(),
		FreqShort:    1,
		Baseline:     0,
		SourceChans:  map[string]struct{}{post.ChannelUUID: {}},
	}
	if err := s.Clusters.Create(ctx, created); err != nil {
		return model.Cluster{}, false, errs.Transient(fmt.Errorf("trend: create cluster for %s: %w", post.PostUUID, err))
	}
	s.linkGraph(ctx, post.PostUUID, created.ClusterUUID)
	return created, true, nil
}

// linkGraph records cluster membership in the graph store. Best-effort: a
// graph write failure must not block the trend pipeline's Postgres state,
// which is the source of truth for threshold evaluation.
func (s *TrendStage) linkGraph(ctx context.Context, postUUID, clusterUUID string) {
	if s.Graph == nil {
		return
	}
	if err := s.Graph.LinkToCluster(ctx, postUUID, clusterUUID); err != nil {
		s.log.Warn("link post to cluster in graph failed", "post_uuid", postUUID, "cluster_uuid", clusterUUID, "error", err)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func truncateLabel(content string) string {
	const maxLen = 80
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}
