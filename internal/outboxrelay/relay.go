// Package outboxrelay bridges the transactional outbox
// (internal/store/postgres.OutboxRepo) to the stream bus: it is the
// process that turns a row committed alongside a parser/media-processor
// write into an actual streambus.Envelope on the wire, closing the loop
// the rest of internal/stages depends on. It ticks the same way
// internal/scheduler does — a plain time.Ticker loop guarded by ctx.Done()
// — rather than something event-driven, since Postgres has no native
// LISTEN/NOTIFY wiring in this stack.
package outboxrelay

import (
	"context"
	"log/slog"
	"time"

	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// Repo is the subset of postgres.OutboxRepo the relay needs.
type Repo interface {
	ListUnprocessed(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastErr string) error
}

// Publisher is the narrow streambus.Producer surface the relay needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, env streambus.Envelope) error
}

// Relay polls the outbox table and publishes each unprocessed row onto its
// event type's stream topic.
type Relay struct {
	Repo         Repo
	Pub          Publisher
	BatchSize    int
	PollInterval time.Duration
	log          *slog.Logger
}

// New builds a Relay with sane defaults for an unset batch size/interval.
func New(repo Repo, pub Publisher, batchSize int, pollInterval time.Duration) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Relay{Repo: repo, Pub: pub, BatchSize: batchSize, PollInterval: pollInterval, log: slog.Default().With("component", "outboxrelay")}
}

// Run polls until ctx is canceled, at which point it returns nil — the
// supervisor treats a clean ctx-driven exit as a stop, not a crash to
// restart.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", "interval", r.PollInterval, "batch_size", r.BatchSize)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain publishes up to BatchSize pending events. A publish failure marks
// that row failed (for a later retry) and continues on to the rest of the
// batch rather than stalling the whole relay behind one bad event.
func (r *Relay) drain(ctx context.Context) {
	events, err := r.Repo.ListUnprocessed(ctx, r.BatchSize)
	if err != nil {
		r.log.Error("list unprocessed outbox events", "error", err)
		return
	}
	for _, e := range events {
		topic := streambus.TopicFor(e.Tenant, streambus.Stream(e.EventType))
		env := streambus.Envelope{
			Schema:         e.EventType + ".v1",
			IdempotencyKey: e.AggregateID + ":" + e.ContentHash,
			Tenant:         e.Tenant,
			Timestamp:      e.CreatedAt,
			Payload:        e.Payload,
		}
		if err := r.Pub.Publish(ctx, topic, env); err != nil {
			r.log.Warn("publish outbox event failed", "id", e.ID, "event_type", e.EventType, "error", err)
			_ = r.Repo.MarkFailed(ctx, e.ID, err.Error())
			continue
		}
		if err := r.Repo.MarkProcessed(ctx, e.ID); err != nil {
			r.log.Error("mark outbox event processed", "id", e.ID, "error", err)
		}
	}
}
