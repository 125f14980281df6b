package stages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// Locker is the subset of coordinator.Lock the digest stage needs — a
// single TTL-bounded mutual-exclusion lock.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory builds a fresh Locker for a given key, so each digest
// request can take out its own `digest:lock:{user}` lock without the
// stage holding a pool reference directly.
type LockFactory func(key string, ttl time.Duration) Locker

// DigestHistoryRepo is the subset of postgres.DigestRepo the digest stage
// needs for its pending/sent/failed status machine.
type DigestHistoryRepo interface {
	ClaimPending(ctx context.Context, tenant, userUUID string, digestDate time.Time) (claimed bool, err error)
	MarkSent(ctx context.Context, userUUID string, digestDate time.Time) error
	MarkFailed(ctx context.Context, userUUID string, digestDate time.Time, lastErr string) error
}

// PostLister fetches the window of posts to fold into a user's digest.
// Digest rendering itself (what the message says, which LLM writes it) is
// an external collaborator per spec — this stage only orders the fetch,
// the generation call, and the status bookkeeping around it.
type PostLister interface {
	ListForDigest(ctx context.Context, tenant, userUUID string, since time.Time) ([]string, error)
}

// Generator renders a digest message body from a user's post window. Its
// implementation (LLM prompt, templating, whatever) is out of scope for
// this fabric; only the interface is specified.
type Generator interface {
	Generate(ctx context.Context, tenant, userUUID string, postUUIDs []string) (body string, err error)
}

// DigestRequestPayload is the digests.generate envelope payload, published
// by the API when a user opens or requests their digest.
type DigestRequestPayload struct {
	Tenant     string    `json:"tenant"`
	UserUUID   string    `json:"user_uuid"`
	DigestDate time.Time `json:"digest_date"`
	Since      time.Time `json:"since"`
}

// DigestReadyPayload is the result the digest worker reports once a send
// attempt (successful or not) has completed.
type DigestReadyPayload struct {
	UserUUID   string `json:"user_uuid"`
	DigestDate string `json:"digest_date"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// DigestStage implements spec §4.10: claim a pending digest row, generate
// its content, and dedupe repeated requests for the same (user, date)
// within the dedup window via both the unique claim row and a short-lived
// coordinator lock (belt and suspenders against a double-click racing the
// same transaction).
type DigestStage struct {
	History     DigestHistoryRepo
	Posts       PostLister
	Generator   Generator
	NewLock     LockFactory
	DedupWindow time.Duration
	Pub         Publisher
	Topic       string
	Metrics     *metrics.Registry
	log         *slog.Logger
}

// NewDigestStage builds a DigestStage.
func NewDigestStage(history DigestHistoryRepo, posts PostLister, gen Generator, newLock LockFactory, dedupWindow time.Duration, pub Publisher, topic string, reg *metrics.Registry) *DigestStage {
	return &DigestStage{
		History: history, Posts: posts, Generator: gen, NewLock: newLock, DedupWindow: dedupWindow,
		Pub: pub, Topic: topic, Metrics: reg, log: slog.Default().With("component", "digest"),
	}
}

// Handle implements streambus.Handler for the digests.generate consumer
// group.
func (s *DigestStage) Handle(ctx context.Context, env streambus.Envelope) error {
	in, err := DecodePayload[DigestRequestPayload](env.Payload)
	if err != nil {
		return errs.SchemaInvalid(err, "digests_generate_decode")
	}

	status, reason, handleErr := s.send(ctx, in)
	if s.Metrics != nil {
		s.Metrics.DigestsSent.WithLabelValues(status).Inc()
	}

	pubErr := PublishDownstream(ctx, s.Pub, in.Tenant, s.Topic, "digest.ready.v1", in.UserUUID+":"+in.DigestDate.Format("2006-01-02"), DigestReadyPayload{
		UserUUID: in.UserUUID, DigestDate: in.DigestDate.Format("2006-01-02"), Status: status, Reason: reason,
	})
	if pubErr != nil {
		return pubErr
	}
	return handleErr
}

func (s *DigestStage) send(ctx context.Context, in DigestRequestPayload) (status, reason string, err error) {
	lockKey := "digest:lock:" + in.UserUUID
	lock := s.NewLock(lockKey, s.DedupWindow)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return "failed", "lock_error", errs.Transient(fmt.Errorf("digest: acquire %s: %w", lockKey, err))
	}
	if !acquired {
		return "skipped", "duplicate_request", nil
	}
	defer lock.Release(ctx)

	claimed, err := s.History.ClaimPending(ctx, in.Tenant, in.UserUUID, in.DigestDate)
	if err != nil {
		return "failed", "claim_error", errs.Transient(fmt.Errorf("digest: claim %s/%s: %w", in.UserUUID, in.DigestDate, err))
	}
	if !claimed {
		return "skipped", "duplicate_request", nil
	}

	postUUIDs, err := s.Posts.ListForDigest(ctx, in.Tenant, in.UserUUID, in.Since)
	if err != nil {
		_ = s.History.MarkFailed(ctx, in.UserUUID, in.DigestDate, err.Error())
		return "failed", "list_posts_failed", errs.Transient(fmt.Errorf("digest: list posts for %s: %w", in.UserUUID, err))
	}
	if len(postUUIDs) == 0 {
		_ = s.History.MarkSent(ctx, in.UserUUID, in.DigestDate)
		return "sent", "empty_window", nil
	}

	if _, err := s.Generator.Generate(ctx, in.Tenant, in.UserUUID, postUUIDs); err != nil {
		_ = s.History.MarkFailed(ctx, in.UserUUID, in.DigestDate, err.Error())
		// spec: generation failures surface to the user as a single terminal
		// message with no retry. That's a routine outcome, not a broken
		// invariant, so it's TerminalFailure, not Fatal.
		return "failed", "generation_failed", errs.TerminalFailure(fmt.Errorf("digest: generate for %s: %w", in.UserUUID, err))
	}

	if err := s.History.MarkSent(ctx, in.UserUUID, in.DigestDate); err != nil {
		return "failed", "mark_sent_failed", errs.Transient(fmt.Errorf("digest: mark sent %s: %w", in.UserUUID, err))
	}
	return "sent", "", nil
}
