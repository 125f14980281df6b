package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/resilience"
	"github.com/chanforge/ingestfab/internal/store/postgres"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// PostReader is the subset of postgres.PostRepo the stages need to load a
// post's content before calling out to a provider.
type PostReader interface {
	Get(ctx context.Context, postUUID string) (model.Post, error)
}

// EnrichmentWriter is the subset of postgres.EnrichmentRepo the stages use
// to persist a provider's result.
type EnrichmentWriter interface {
	Upsert(ctx context.Context, e model.PostEnrichment) error
}

// StatusAdvancer is the subset of postgres.PostRepo used to move a post's
// enrichment_status forward.
type StatusAdvancer interface {
	UpdateEnrichmentStatus(ctx context.Context, postUUID string, next model.EnrichmentStatus) error
}

// PostPersistedPayload is the posts.parsed envelope payload the parser
// publishes once a post durably commits.
type PostPersistedPayload struct {
	PostUUID    string `json:"post_uuid"`
	ChannelUUID string `json:"channel_uuid"`
}

// PostTaggedPayload is the posts.tagged envelope payload. Tags is always
// published as a flat array of lowercase strings, never []{name}; the
// enrichment stage is the one place that still has to accept the legacy
// shape on the way in (spec §4.5).
type PostTaggedPayload struct {
	PostUUID string   `json:"post_uuid"`
	Tags     []string `json:"tags"`
	Reason   string   `json:"reason,omitempty"`
}

// TaggingStage implements spec §4.4: tag a post's text, persist the result,
// and publish posts.tagged — on every path, including a provider outage.
type TaggingStage struct {
	Posts      PostReader
	Enrichment EnrichmentWriter
	Status     StatusAdvancer
	Tagger     providers.Tagger
	Breaker    *resilience.Breaker
	Pub        Publisher
	Topic      string
	Metrics    *metrics.Registry
	log        *slog.Logger
}

// NewTaggingStage builds a TaggingStage with a fresh per-provider breaker.
func NewTaggingStage(posts PostReader, enrichment EnrichmentWriter, status StatusAdvancer, tagger providers.Tagger, pub Publisher, topic string, reg *metrics.Registry) *TaggingStage {
	return &TaggingStage{
		Posts: posts, Enrichment: enrichment, Status: status, Tagger: tagger, Pub: pub, Topic: topic,
		Breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		Metrics: reg,
		log:     slog.Default().With("component", "tagging"),
	}
}

// Handle implements streambus.Handler for the posts.parsed consumer group.
func (s *TaggingStage) Handle(ctx context.Context, env streambus.Envelope) error {
	in, err := DecodePayload[PostPersistedPayload](env.Payload)
	if err != nil {
		return errs.SchemaInvalid(err, "posts_parsed_decode")
	}

	tags, reason, handleErr := s.tag(ctx, in.PostUUID)
	if handleErr != nil && errs.Classify(handleErr) == errs.ClassSchemaInvalid {
		return handleErr // DLQ immediately, no downstream publish for a malformed input event
	}
	if s.Metrics != nil {
		outcome := "ok"
		if handleErr != nil {
			outcome = string(errs.Classify(handleErr))
		} else if reason != "" {
			outcome = "skipped"
		}
		s.Metrics.TaggingRequests.WithLabelValues(outcome).Inc()
	}

	pubErr := PublishDownstream(ctx, s.Pub, env.Tenant, s.Topic, "posts.tagged.v1", in.PostUUID+":tagged:v1", PostTaggedPayload{
		PostUUID: in.PostUUID, Tags: tags, Reason: reason,
	})
	if pubErr != nil {
		return pubErr
	}
	if handleErr != nil {
		return handleErr
	}
	return nil
}

// tag loads the post and calls the tagging provider, returning a reason
// string (alongside an error, except for an open circuit) whenever tags
// could not be produced so the caller can still publish a well-formed,
// empty-tag posts.tagged event.
func (s *TaggingStage) tag(ctx context.Context, postUUID string) (tags []string, reason string, err error) {
	post, err := s.Posts.Get(ctx, postUUID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, "post_not_found", errs.NotFound(fmt.Errorf("tagging: post %s: %w", postUUID, err))
	}
	if err != nil {
		return nil, "load_failed", errs.Transient(fmt.Errorf("tagging: load post %s: %w", postUUID, err))
	}

	var result providers.TagResult
	callErr := s.Breaker.Call(ctx, func(ctx context.Context) error {
		r, err := s.Tagger.Tag(ctx, post.Content)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if s.Metrics != nil {
		s.Metrics.CircuitBreakerState.WithLabelValues("tagging").Set(float64(s.Breaker.State()))
	}
	if errors.Is(callErr, resilience.ErrCircuitOpen) {
		return nil, "budget_exhausted", nil // circuit open: no error, so Handle publishes the empty-tag event and the message is acked
	}
	if callErr != nil {
		if errs.Classify(callErr) == errs.ClassSchemaInvalid {
			return nil, "", callErr
		}
		return nil, "provider_error", errs.Transient(fmt.Errorf("tagging: provider call for %s: %w", postUUID, callErr))
	}

	normalized := normalizeTags(result.Tags)
	if err := s.Enrichment.Upsert(ctx, model.PostEnrichment{
		PostUUID: postUUID, Kind: model.KindTags, Provider: "tagger", Data: map[string]any{"tags": normalized, "confidence": result.Confidence},
	}); err != nil {
		return nil, "persist_failed", errs.Transient(fmt.Errorf("tagging: persist enrichment for %s: %w", postUUID, err))
	}
	if err := s.Status.UpdateEnrichmentStatus(ctx, postUUID, model.StatusTagged); err != nil && errs.Classify(err) != errs.ClassConflict {
		return normalized, "", errs.Transient(fmt.Errorf("tagging: advance status for %s: %w", postUUID, err))
	}
	return normalized, "", nil
}

// normalizeTags lowercases and flattens a provider's tag output into the
// wire shape spec §4.4 mandates: always []string, never []{name}.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
