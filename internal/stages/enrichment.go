package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/quota"
	"github.com/chanforge/ingestfab/internal/resilience"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// PostEnrichedPayload is the posts.enriched envelope payload. Reason is set
// on every branch that isn't a successful crawl, matching spec §4.5's "all
// branches publish" rule.
type PostEnrichedPayload struct {
	PostUUID string   `json:"post_uuid"`
	Tags     []string `json:"tags"`
	Kind     string   `json:"kind,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// QuotaChecker is the subset of quota.Engine the enrichment stage needs.
type QuotaChecker interface {
	Evaluate(ctx context.Context, qc quota.Context) (quota.Decision, error)
}

// EnrichmentStage implements spec §4.4: evaluate the crawl-trigger policy
// against a tagged post and, when it qualifies, crawl the linked content.
type EnrichmentStage struct {
	Posts      PostReader
	Enrichment EnrichmentWriter
	Trigger    *quota.EnrichmentTrigger
	Quota      QuotaChecker
	Crawler    providers.Crawler
	Breaker    *resilience.Breaker
	Pub        Publisher
	Topic      string
	Metrics    *metrics.Registry
	log        *slog.Logger
}

// NewEnrichmentStage builds an EnrichmentStage.
func NewEnrichmentStage(posts PostReader, enrichment EnrichmentWriter, trigger *quota.EnrichmentTrigger, q QuotaChecker, crawler providers.Crawler, pub Publisher, topic string, reg *metrics.Registry) *EnrichmentStage {
	return &EnrichmentStage{
		Posts: posts, Enrichment: enrichment, Trigger: trigger, Quota: q, Crawler: crawler, Pub: pub, Topic: topic, Metrics: reg,
		Breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:     slog.Default().With("component", "enrichment"),
	}
}

// Handle implements streambus.Handler for the posts.tagged consumer group.
func (s *EnrichmentStage) Handle(ctx context.Context, env streambus.Envelope) error {
	m, err := payloadMap(env.Payload)
	if err != nil {
		return err
	}
	postUUID := stringField(m, "post_uuid")
	tags, err := extractTags(m)
	if err != nil {
		return err // malformed tags shape: DLQ, no downstream publish possible without a post_uuid-scoped event
	}

	kind, reason, handleErr := s.enrich(ctx, postUUID, tags)
	if s.Metrics != nil {
		outcome := "ok"
		if handleErr != nil {
			outcome = string(errs.Classify(handleErr))
		} else if reason != "" {
			outcome = "skipped"
		}
		s.Metrics.EnrichmentRequests.WithLabelValues(outcome).Inc()
	}

	pubErr := PublishDownstream(ctx, s.Pub, env.Tenant, s.Topic, "posts.enriched.v1", postUUID+":enriched:v1", PostEnrichedPayload{
		PostUUID: postUUID, Tags: tags, Kind: kind, Reason: reason,
	})
	if pubErr != nil {
		return pubErr
	}
	return handleErr
}

// enrich evaluates the trigger policy and, if it qualifies, crawls the
// post's linked content. A disqualifying policy outcome is not an error —
// it's communicated via reason so the caller still publishes a clean event.
func (s *EnrichmentStage) enrich(ctx context.Context, postUUID string, tags []string) (kind, reason string, err error) {
	post, loadErr := s.Posts.Get(ctx, postUUID)
	if loadErr != nil {
		return "", "load_failed", errs.Transient(fmt.Errorf("enrichment: load post %s: %w", postUUID, loadErr))
	}

	wordCount := len(strings.Fields(post.Content))
	if !s.Trigger.ShouldEnrich(tags, wordCount) {
		return "", "below_min_words", nil
	}

	decision, qErr := s.Quota.Evaluate(ctx, quota.Context{Tenant: post.Tenant, ContentType: model.ContentCrawl, SizeBytes: 0})
	if qErr != nil {
		return "", "quota_check_failed", errs.Transient(fmt.Errorf("enrichment: quota check for %s: %w", postUUID, qErr))
	}
	if !decision.Allow {
		return "", "quota_exhausted", nil
	}

	url := firstURL(post.Content)
	if url == "" {
		return "", "no_crawlable_url", nil
	}

	var result providers.CrawlResult
	callErr := s.Breaker.Call(ctx, func(ctx context.Context) error {
		r, err := s.Crawler.Crawl(ctx, url)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if s.Metrics != nil {
		s.Metrics.CircuitBreakerState.WithLabelValues("crawl").Set(float64(s.Breaker.State()))
	}
	if callErr != nil {
		if callErr == resilience.ErrCircuitOpen {
			return "", "crawler_circuit_open", nil
		}
		return "", "crawl_failed", errs.Transient(fmt.Errorf("enrichment: crawl %s: %w", url, callErr))
	}

	if err := s.Enrichment.Upsert(ctx, model.PostEnrichment{
		PostUUID: postUUID, Kind: model.KindCrawl, Provider: "crawl",
		Data: map[string]any{"title": result.Title, "text": result.Text, "url": result.URL, "fetched_at": result.FetchedAt},
	}); err != nil {
		return "", "persist_failed", errs.Transient(fmt.Errorf("enrichment: persist crawl result for %s: %w", postUUID, err))
	}
	return string(model.KindCrawl), "", nil
}

// extractTags reads the "tags" field of a posts.tagged payload, accepting
// both the current flat-string shape and the legacy []{name} shape (spec
// §4.5's explicit backward-compatibility requirement).
func extractTags(m map[string]any) ([]string, error) {
	raw, ok := m["tags"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errs.SchemaInvalid(fmt.Errorf("stages: tags field is not an array (%T)", raw), "posts_tagged_tags_shape")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, strings.ToLower(v))
		case map[string]any:
			name, _ := v["name"].(string)
			if name != "" {
				out = append(out, strings.ToLower(name))
			}
		default:
			return nil, errs.SchemaInvalid(fmt.Errorf("stages: unexpected tag element type %T", item), "posts_tagged_tags_shape")
		}
	}
	return out, nil
}

// firstURL returns the first http(s) URL found in text, or "".
func firstURL(text string) string {
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return ""
}
