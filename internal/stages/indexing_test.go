package stages

import (
	"context"
	"testing"
	"time"

	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
)

type fakeHealthChecker struct {
	err   error
	calls int
}

func (f *fakeHealthChecker) Check(_ context.Context) error {
	f.calls++
	return f.err
}

func TestEmbeddingProbe_CachesWithinTTL(t *testing.T) {
	checker := &fakeHealthChecker{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	probe := NewEmbeddingProbe(checker, 30*time.Second)
	probe.now = func() time.Time { return clock }

	if !probe.Healthy(context.Background()) {
		t.Fatal("Healthy() = false, want true")
	}
	if !probe.Healthy(context.Background()) {
		t.Fatal("Healthy() = false, want true")
	}
	if checker.calls != 1 {
		t.Fatalf("checker called %d times within TTL, want 1", checker.calls)
	}

	clock = clock.Add(31 * time.Second)
	probe.Healthy(context.Background())
	if checker.calls != 2 {
		t.Fatalf("checker called %d times after TTL, want 2", checker.calls)
	}
}

type fakeIndexStatusRepo struct {
	embeddingStates []model.PipelineState
	graphStates     []model.PipelineState
}

func (f *fakeIndexStatusRepo) UpdateEmbeddingState(_ context.Context, _ string, state model.PipelineState, _ string, _ bool) error {
	f.embeddingStates = append(f.embeddingStates, state)
	return nil
}

func (f *fakeIndexStatusRepo) UpdateGraphState(_ context.Context, _ string, state model.PipelineState, _ string, _ bool) error {
	f.graphStates = append(f.graphStates, state)
	return nil
}

func TestIndexingStage_Index_PostNotFoundIsSkippedNotFailed(t *testing.T) {
	posts := &fakePosts{posts: map[string]model.Post{}}
	indexing := &fakeIndexStatusRepo{}
	stage := &IndexingStage{Posts: posts, Indexing: indexing}

	status, err := stage.index(context.Background(), "missing")
	if err != nil {
		t.Fatalf("index() error = %v, want nil", err)
	}
	if status != "skipped" {
		t.Fatalf("status = %s, want skipped", status)
	}
	if len(indexing.embeddingStates) != 1 || indexing.embeddingStates[0] != model.PipelineSkipped {
		t.Fatalf("embeddingStates = %v, want [skipped]", indexing.embeddingStates)
	}
}

type fakeVectorStore struct {
	upserts int
	err     error
}

func (f *fakeVectorStore) EnsureCollection(_ context.Context) error { return nil }
func (f *fakeVectorStore) Upsert(_ context.Context, _ string, _ []float32, _ map[string]any) error {
	f.upserts++
	return f.err
}
func (f *fakeVectorStore) Search(_ context.Context, _ []float32, _ int) ([]providers.VectorResult, error) {
	return nil, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) { return f.vector, f.err }

func TestIndexingStage_Index_SuccessUpdatesEmbeddingState(t *testing.T) {
	posts := &fakePosts{posts: map[string]model.Post{"p1": {PostUUID: "p1", Tenant: "acme", Content: "hello"}}}
	indexing := &fakeIndexStatusRepo{}
	vectors := &fakeVectorStore{}
	stage := &IndexingStage{Posts: posts, Indexing: indexing, Embedder: &fakeEmbedder{vector: []float32{0.1, 0.2}}, Vectors: vectors}

	status, err := stage.index(context.Background(), "p1")
	if err != nil {
		t.Fatalf("index() error = %v", err)
	}
	if status != "completed" {
		t.Fatalf("status = %s, want completed", status)
	}
	if vectors.upserts != 1 {
		t.Fatalf("vector upserts = %d, want 1", vectors.upserts)
	}
}

