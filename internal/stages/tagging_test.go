package stages

import (
	"context"
	"testing"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/store/postgres"
	"github.com/chanforge/ingestfab/internal/streambus"
)

func TestNormalizeTags_LowercasesAndDropsBlanks(t *testing.T) {
	got := normalizeTags([]string{"Go", " Kafka ", "", "POSTGRES"})
	want := []string{"go", "kafka", "postgres"}
	if len(got) != len(want) {
		t.Fatalf("normalizeTags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalizeTags()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

type fakePosts struct {
	posts map[string]model.Post
}

func (f *fakePosts) Get(_ context.Context, postUUID string) (model.Post, error) {
	p, ok := f.posts[postUUID]
	if !ok {
		return model.Post{}, postgres.ErrNotFound
	}
	return p, nil
}

type fakeEnrichmentWriter struct {
	upserts []model.PostEnrichment
}

func (f *fakeEnrichmentWriter) Upsert(_ context.Context, e model.PostEnrichment) error {
	f.upserts = append(f.upserts, e)
	return nil
}

type fakeStatusAdvancer struct {
	advances []model.EnrichmentStatus
}

func (f *fakeStatusAdvancer) UpdateEnrichmentStatus(_ context.Context, _ string, next model.EnrichmentStatus) error {
	f.advances = append(f.advances, next)
	return nil
}

type fakeTagger struct {
	result providers.TagResult
	err    error
}

func (f *fakeTagger) Tag(_ context.Context, _ string) (providers.TagResult, error) {
	return f.result, f.err
}

type fakePublisher struct {
	published []publishedMessage
}

type publishedMessage struct {
	Topic string
	Env   streambus.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, topic string, env streambus.Envelope) error {
	f.published = append(f.published, publishedMessage{Topic: topic, Env: env})
	return nil
}

func TestTaggingStage_Handle_PublishesTagsOnSuccess(t *testing.T) {
	posts := &fakePosts{posts: map[string]model.Post{"p1": {PostUUID: "p1", Content: "hello world"}}}
	enrichment := &fakeEnrichmentWriter{}
	status := &fakeStatusAdvancer{}
	tagger := &fakeTagger{result: providers.TagResult{Tags: []string{"Go", "Kafka"}}}
	pub := &fakePublisher{}

	stage := NewTaggingStage(posts, enrichment, status, tagger, pub, "t1.posts.tagged", nil)
	env := streambus.Envelope{Tenant: "t1", Payload: map[string]any{"post_uuid": "p1", "channel_uuid": "c1"}}

	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}
	out := pub.published[0].Env.Payload.(PostTaggedPayload)
	if len(out.Tags) != 2 || out.Tags[0] != "go" {
		t.Fatalf("tags = %v, want [go kafka]", out.Tags)
	}
	if len(enrichment.upserts) != 1 {
		t.Fatalf("enrichment upserts = %d, want 1", len(enrichment.upserts))
	}
	if len(status.advances) != 1 || status.advances[0] != model.StatusTagged {
		t.Fatalf("status advances = %v, want [tagged]", status.advances)
	}
}

func TestTaggingStage_Handle_PostNotFoundIsTerminalSkipButStillPublishes(t *testing.T) {
	posts := &fakePosts{posts: map[string]model.Post{}}
	pub := &fakePublisher{}
	stage := NewTaggingStage(posts, &fakeEnrichmentWriter{}, &fakeStatusAdvancer{}, &fakeTagger{}, pub, "t1.posts.tagged", nil)
	env := streambus.Envelope{Tenant: "t1", Payload: map[string]any{"post_uuid": "missing"}}

	err := stage.Handle(context.Background(), env)
	if err == nil || errs.Classify(err) != errs.ClassNotFound {
		t.Fatalf("Handle() error class = %v, want not_found", errs.Classify(err))
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1 (always publish downstream)", len(pub.published))
	}
}

