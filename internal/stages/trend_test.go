package stages

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chanforge/ingestfab/internal/config"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/streambus"
)

type fakeClusterRepo struct {
	clusters map[string]model.Cluster
	created  []model.Cluster
	bumps    int
}

func (f *fakeClusterRepo) Create(_ context.Context, c model.Cluster) error {
	if f.clusters == nil {
		f.clusters = map[string]model.Cluster{}
	}
	f.clusters[c.ClusterUUID] = c
	f.created = append(f.created, c)
	return nil
}

func (f *fakeClusterRepo) ListActiveByTenant(_ context.Context, _ string) ([]model.Cluster, error) {
	out := make([]model.Cluster, 0, len(f.clusters))
	for _, c := range f.clusters {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeClusterRepo) UpdateActivity(_ context.Context, clusterUUID string, _ any, freqShort float64, sourceChannel string) error {
	f.bumps++
	c := f.clusters[clusterUUID]
	c.FreqShort = freqShort
	if c.SourceChans == nil {
		c.SourceChans = map[string]struct{}{}
	}
	c.SourceChans[sourceChannel] = struct{}{}
	f.clusters[clusterUUID] = c
	return nil
}

type fakeGraphWriter struct {
	linked []string // "postUUID:clusterUUID"
}

func (f *fakeGraphWriter) UpsertPost(_ context.Context, _, _ string, _ []string) error {
	return nil
}

func (f *fakeGraphWriter) LinkToCluster(_ context.Context, postUUID, clusterUUID string) error {
	f.linked = append(f.linked, postUUID+":"+clusterUUID)
	return nil
}

type fakeEmbedderFixed struct {
	vector []float32
}

func (f *fakeEmbedderFixed) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vector, nil
}

type fakeDeduper struct {
	marked map[string]bool
}

func (f *fakeDeduper) CheckAndMark(_ context.Context, key string, _ time.Duration) (bool, error) {
	if f.marked == nil {
		f.marked = map[string]bool{}
	}
	already := f.marked[key]
	f.marked[key] = true
	return already, nil
}

func trendTestCfg() config.TrendConfig {
	return config.TrendConfig{
		FreqRatioThreshold:  3.0,
		MinSourceDiversity:  3,
		CoherenceThreshold:  0.55,
		SimilarityThreshold: 0.8,
		CooldownWindow:      6 * time.Hour,
	}
}

func TestTrendStage_Handle_EmitsWhenAllThresholdsCleared(t *testing.T) {
	posts := &fakePosts{posts: map[string]model.Post{
		"p1": {PostUUID: "p1", Tenant: "acme", ChannelUUID: "ch4", Content: "breaking news"},
	}}
	clusters := &fakeClusterRepo{clusters: map[string]model.Cluster{
		"cl1": {
			ClusterUUID: "cl1", Tenant: "acme", Label: "breaking",
			Centroid: []float32{1, 0}, FreqShort: 9, Baseline: 3, Coherence: 0.7,
			SourceChans: map[string]struct{}{"ch1": {}, "ch2": {}, "ch3": {}},
		},
	}}
	embedder := &fakeEmbedderFixed{vector: []float32{1, 0}}
	pub := &fakePublisher{}
	reg := metrics.New(prometheus.NewRegistry())
	stage := NewTrendStage(posts, clusters, embedder, nil, &fakeDeduper{}, &fakeDeduper{}, pub, "t1.trend.candidates", trendTestCfg(), reg)

	env := streambus.Envelope{Tenant: "acme", Payload: PostIndexedPayload{PostUUID: "p1", Status: "completed"}}
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}
	out := pub.published[0].Env.Payload.(TrendCandidatePayload)
	if out.ClusterUUID != "cl1" || out.Diversity != 4 {
		t.Fatalf("payload = %+v, want cluster cl1 with diversity 4", out)
	}
}

// TestTrendStage_Handle_LinksPostToClusterInGraph covers both assign paths:
// bumping an existing cluster and founding a new one must each record
// membership in the graph store, not just Postgres.
func TestTrendStage_Handle_LinksPostToClusterInGraph(t *testing.T) {
	posts := &fakePosts{posts: map[string]model.Post{
		"p1": {PostUUID: "p1", Tenant: "acme", ChannelUUID: "ch1", Content: "breaking news"},
		"p2": {PostUUID: "p2", Tenant: "acme", ChannelUUID: "ch2", Content: "unrelated story"},
	}}
	clusters := &fakeClusterRepo{clusters: map[string]model.Cluster{
		"cl1": {ClusterUUID: "cl1", Tenant: "acme", Centroid: []float32{1, 0}, SourceChans: map[string]struct{}{}},
	}}
	embedder := &fakeEmbedderFixed{vector: []float32{1, 0}}
	graph := &fakeGraphWriter{}
	pub := &fakePublisher{}
	stage := NewTrendStage(posts, clusters, embedder, graph, &fakeDeduper{}, &fakeDeduper{}, pub, "t1.trend.candidates", trendTestCfg(), nil)

	env := streambus.Envelope{Tenant: "acme", Payload: PostIndexedPayload{PostUUID: "p1", Status: "completed"}}
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(graph.linked) != 1 || graph.linked[0] != "p1:cl1" {
		t.Fatalf("graph.linked = %v, want [p1:cl1] (bump of existing cluster)", graph.linked)
	}

	embedder.vector = []float32{0, 1} // orthogonal: no existing cluster matches, a new one forms
	env2 := streambus.Envelope{Tenant: "acme", Payload: PostIndexedPayload{PostUUID: "p2", Status: "completed"}}
	if err := stage.Handle(context.Background(), env2); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(graph.linked) != 2 || len(clusters.created) != 1 {
		t.Fatalf("graph.linked = %v, clusters.created = %d, want 2 links and 1 new cluster", graph.linked, len(clusters.created))
	}
	if graph.linked[1] != "p2:"+clusters.created[0].ClusterUUID {
		t.Fatalf("graph.linked[1] = %s, want p2 linked to newly created cluster %s", graph.linked[1], clusters.created[0].ClusterUUID)
	}
}

// Mirrors the freq_short=10/baseline=3/diversity=2/coherence=0.7 scenario:
// every other threshold clears but source diversity does not, so nothing
// is emitted and the skip-reason metric records diversity_low.
func TestTrendStage_Handle_LowDiversitySkipsEmission(t *testing.T) {
	posts := &fakePosts{posts: map[string]model.Post{
		"p1": {PostUUID: "p1", Tenant: "acme", ChannelUUID: "ch1", Content: "breaking news"},
	}}
	clusters := &fakeClusterRepo{clusters: map[string]model.Cluster{
		"cl1": {
			ClusterUUID: "cl1", Tenant: "acme", Label: "breaking",
			Centroid: []float32{1, 0}, FreqShort: 10, Baseline: 3, Coherence: 0.7,
			SourceChans: map[string]struct{}{"ch1": {}, "ch2": {}},
		},
	}}
	embedder := &fakeEmbedderFixed{vector: []float32{1, 0}}
	pub := &fakePublisher{}
	reg := metrics.New(prometheus.NewRegistry())
	stage := NewTrendStage(posts, clusters, embedder, nil, &fakeDeduper{}, &fakeDeduper{}, pub, "t1.trend.candidates", trendTestCfg(), reg)

	env := streambus.Envelope{Tenant: "acme", Payload: PostIndexedPayload{PostUUID: "p1", Status: "completed"}}
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("published %d messages, want 0 (threshold not cleared)", len(pub.published))
	}
}

func TestTrendStage_Handle_AlbumSiblingPostsCollapseToOneBump(t *testing.T) {
	groupID := int64(42)
	posts := &fakePosts{posts: map[string]model.Post{
		"p1": {PostUUID: "p1", Tenant: "acme", ChannelUUID: "ch1", Content: "x", GroupedID: &groupID},
		"p2": {PostUUID: "p2", Tenant: "acme", ChannelUUID: "ch1", Content: "x", GroupedID: &groupID},
	}}
	clusters := &fakeClusterRepo{clusters: map[string]model.Cluster{
		"cl1": {ClusterUUID: "cl1", Tenant: "acme", Centroid: []float32{1, 0}, FreqShort: 1, SourceChans: map[string]struct{}{}},
	}}
	embedder := &fakeEmbedderFixed{vector: []float32{1, 0}}
	pub := &fakePublisher{}
	dedup := &fakeDeduper{}
	stage := NewTrendStage(posts, clusters, embedder, nil, dedup, &fakeDeduper{}, pub, "t1.trend.candidates", trendTestCfg(), nil)

	env1 := streambus.Envelope{Tenant: "acme", Payload: PostIndexedPayload{PostUUID: "p1", Status: "completed"}}
	env2 := streambus.Envelope{Tenant: "acme", Payload: PostIndexedPayload{PostUUID: "p2", Status: "completed"}}
	if err := stage.Handle(context.Background(), env1); err != nil {
		t.Fatalf("Handle(p1) error = %v", err)
	}
	if err := stage.Handle(context.Background(), env2); err != nil {
		t.Fatalf("Handle(p2) error = %v", err)
	}
	if clusters.bumps != 1 {
		t.Fatalf("cluster bumps = %d, want 1 (album siblings collapse)", clusters.bumps)
	}
}
