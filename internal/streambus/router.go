package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/coordinator"
	"github.com/chanforge/ingestfab/internal/errs"
)

// Handler processes one envelope. Returning an error classified by
// internal/errs as retryable causes GroupRouter to retry up to MaxRetries
// before routing to the DLQ; a terminal-skip error is logged and acked
// without retry, same as a success.
type Handler func(ctx context.Context, env Envelope) error

// GroupRouter consumes a topic through a Consumer, enforces per-message
// idempotency and retry/DLQ bookkeeping, and acks only after the handler
// durably succeeds.
type GroupRouter struct {
	Topic         string
	ConsumerGroup string
	ClaimedBy     string
	MaxRetries    int
	PendingLease  time.Duration

	Consumer Consumer
	Producer *Producer
	Pool     *pgxpool.Pool
	Handle   Handler
}

// Run processes messages until ctx is cancelled or the Consumer's channel
// closes.
func (g *GroupRouter) Run(ctx context.Context) error {
	if err := g.Consumer.Start(ctx); err != nil {
		return fmt.Errorf("streambus: start consumer for %s: %w", g.Topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-g.Consumer.Messages():
			if !ok {
				return nil
			}
			g.process(ctx, msg)
		}
	}
}

func (g *GroupRouter) process(ctx context.Context, msg ConsumerMessage) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		g.deadLetter(ctx, msg, Envelope{}, errs.SchemaInvalid(err, "envelope_decode"), 1)
		return
	}

	messageID := messageIDFor(env, msg)
	alreadyProcessed, err := coordinator.CheckAndMark(ctx, g.Pool, g.ConsumerGroup+":"+messageID, 24*time.Hour)
	if err != nil {
		slog.Error("streambus: idempotency check failed", "topic", g.Topic, "error", err)
		return
	}
	if alreadyProcessed {
		slog.Debug("streambus: skipping already-processed message", "topic", g.Topic, "idempotency_key", env.IdempotencyKey)
		g.ack(ctx, msg, messageID)
		return
	}

	attempts, err := claimPending(ctx, g.Pool, g.Topic, g.ConsumerGroup, messageID, g.ClaimedBy, g.PendingLease)
	if err != nil {
		slog.Error("streambus: claim failed", "topic", g.Topic, "error", err)
		return
	}

	handleErr := g.Handle(ctx, env)
	switch {
	case handleErr == nil:
		g.ack(ctx, msg, messageID)
	case errs.Classify(handleErr) == errs.ClassFatal:
		// A broken invariant, not a routine failure: let it crash this
		// task's goroutine. The supervisor recovers the panic and restarts
		// the task with backoff; the message stays pending/uncommitted so
		// Kafka redelivers it once the task comes back.
		panic(fmt.Errorf("streambus: fatal error handling message on %s: %w", g.Topic, handleErr))
	case errs.IsTerminalSkip(handleErr):
		slog.Info("streambus: terminal skip", "topic", g.Topic, "error", handleErr, "class", errs.Classify(handleErr))
		g.ack(ctx, msg, messageID)
	case errs.Classify(handleErr) == errs.ClassRateLimited:
		slog.Warn("streambus: rate limited, retrying without counting against max retries", "topic", g.Topic, "error", handleErr)
		// Leave pending and uncommitted without touching attempts; spec
		// requires RateLimited never burn the retry budget.
	case errs.IsRetryable(handleErr):
		newAttempts, incErr := incrementPendingAttempts(ctx, g.Pool, g.Topic, g.ConsumerGroup, messageID)
		if incErr != nil {
			slog.Error("streambus: increment attempts failed", "topic", g.Topic, "error", incErr)
			return
		}
		if newAttempts < g.MaxRetries {
			slog.Warn("streambus: retrying message", "topic", g.Topic, "attempt", newAttempts, "error", handleErr)
			// Leave pending and uncommitted; Kafka redelivers on the next poll.
			return
		}
		g.deadLetter(ctx, msg, env, handleErr, newAttempts)
	default:
		g.deadLetter(ctx, msg, env, handleErr, attempts)
	}
}

func (g *GroupRouter) ack(ctx context.Context, msg ConsumerMessage, messageID string) {
	if err := releasePending(ctx, g.Pool, g.Topic, g.ConsumerGroup, messageID); err != nil {
		slog.Error("streambus: release pending failed", "topic", g.Topic, "error", err)
	}
	if err := g.Consumer.Commit(ctx, msg); err != nil {
		slog.Error("streambus: commit failed", "topic", g.Topic, "error", err)
	}
}

func (g *GroupRouter) deadLetter(ctx context.Context, msg ConsumerMessage, env Envelope, cause error, attempts int) {
	errEnv := ErrorEnvelope{
		Envelope:   env,
		ErrorClass: string(errs.Classify(cause)),
		ErrorText:  cause.Error(),
		Attempts:   attempts,
	}
	if err := g.Producer.PublishDLQ(ctx, g.Topic, errEnv); err != nil {
		slog.Error("streambus: publish to dlq failed", "topic", g.Topic, "error", err)
		return // leave pending/uncommitted, try again next poll
	}
	messageID := messageIDFor(env, msg)
	g.ack(ctx, msg, messageID)
}

func messageIDFor(env Envelope, msg ConsumerMessage) string {
	if env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}
