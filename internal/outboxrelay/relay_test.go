package outboxrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/streambus"
)

type fakeRepo struct {
	pending  []model.OutboxEvent
	processed []int64
	failed    []int64
}

func (f *fakeRepo) ListUnprocessed(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeRepo) MarkProcessed(_ context.Context, id int64) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, id int64, _ string) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeRelayPublisher struct {
	published []string
	failOn    string
}

func (f *fakeRelayPublisher) Publish(_ context.Context, topic string, _ streambus.Envelope) error {
	if topic == f.failOn {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, topic)
	return nil
}

func TestRelay_Drain_PublishesAndMarksProcessed(t *testing.T) {
	repo := &fakeRepo{pending: []model.OutboxEvent{
		{ID: 1, Tenant: "acme", EventType: "posts.parsed", AggregateID: "p1", ContentHash: "h1"},
		{ID: 2, Tenant: "acme", EventType: "posts.vision", AggregateID: "p2", ContentHash: "h2"},
	}}
	pub := &fakeRelayPublisher{}
	relay := New(repo, pub, 10, time.Millisecond)

	relay.drain(context.Background())

	if len(pub.published) != 2 {
		t.Fatalf("published %d topics, want 2", len(pub.published))
	}
	if len(repo.processed) != 2 {
		t.Fatalf("processed %d rows, want 2", len(repo.processed))
	}
}

func TestRelay_Drain_FailedPublishMarksFailedNotProcessed(t *testing.T) {
	repo := &fakeRepo{pending: []model.OutboxEvent{
		{ID: 1, Tenant: "acme", EventType: "posts.parsed", AggregateID: "p1", ContentHash: "h1"},
	}}
	pub := &fakeRelayPublisher{failOn: streambus.TopicFor("acme", streambus.StreamPostsPersisted)}
	relay := New(repo, pub, 10, time.Millisecond)

	relay.drain(context.Background())

	if len(repo.failed) != 1 {
		t.Fatalf("failed rows = %d, want 1", len(repo.failed))
	}
	if len(repo.processed) != 0 {
		t.Fatalf("processed rows = %d, want 0", len(repo.processed))
	}
}
