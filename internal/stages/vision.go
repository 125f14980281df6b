package stages

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chanforge/ingestfab/internal/config"
	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/quota"
	"github.com/chanforge/ingestfab/internal/resilience"
	"github.com/chanforge/ingestfab/internal/store/cas"
	"github.com/chanforge/ingestfab/internal/store/postgres"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// PostVisionPayload is the posts.vision envelope payload the media
// processor (C8) publishes for each resolved attachment.
type PostVisionPayload struct {
	PostUUID string `json:"post_uuid"`
	SHA256   string `json:"sha256"`
	S3Key    string `json:"s3_key"`
	Tenant   string `json:"tenant"`
}

// VisionCAS is the subset of cas.Store the vision stage needs.
type VisionCAS interface {
	Head(ctx context.Context, key string) (exists bool, size int64, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, content []byte, contentType string) (sha256Hex string, err error)
}

// EnrichmentReadWriter is the subset of postgres.EnrichmentRepo the vision
// stage needs to aggregate results across a multi-media album into the
// single per-post row spec §4.7 requires.
type EnrichmentReadWriter interface {
	Get(ctx context.Context, postUUID string, kind model.EnrichmentKind) (model.PostEnrichment, error)
	Upsert(ctx context.Context, e model.PostEnrichment) error
}

// VisionStage implements spec §4.7: analyze a media blob, falling back to
// OCR when the vision provider call fails (open circuit included), and
// account the exact bytes written back to the CAS.
type VisionStage struct {
	CAS            VisionCAS
	Enrichment     EnrichmentReadWriter
	Usage          UsageRepo
	Quota          QuotaChecker
	Vision         providers.VisionAnalyzer
	OCR            providers.OCR
	OCRFallback    bool
	VisionBreaker  *resilience.Breaker
	OCRBreaker     *resilience.Breaker
	Pub            Publisher
	Topic          string
	ProviderName   string
	ModelName      string
	SchemaVersion  int
	Metrics        *metrics.Registry
	log            *slog.Logger
}

// NewVisionStage builds a VisionStage from config-driven circuit breaker
// thresholds (spec's per-provider 5-failure/60s-recovery default).
func NewVisionStage(casStore VisionCAS, enrichment EnrichmentReadWriter, usage UsageRepo, q QuotaChecker, vision providers.VisionAnalyzer, ocr providers.OCR, cfg config.VisionConfig, pub Publisher, topic, providerName, modelName string, reg *metrics.Registry) *VisionStage {
	breakerOpts := resilience.BreakerOpts{FailThreshold: cfg.CircuitFailThresh, Timeout: cfg.CircuitRecovery}
	return &VisionStage{
		CAS: casStore, Enrichment: enrichment, Usage: usage, Quota: q, Vision: vision, OCR: ocr,
		OCRFallback: cfg.OCRFallbackEnabled, VisionBreaker: resilience.NewBreaker(breakerOpts), OCRBreaker: resilience.NewBreaker(breakerOpts),
		Pub: pub, Topic: topic, ProviderName: providerName, ModelName: modelName, SchemaVersion: cfg.SchemaVersion, Metrics: reg,
		log: slog.Default().With("component", "vision"),
	}
}

// PostVisionResultPayload is the implicit "vision done" signal folded into
// posts.indexed's upstream chain; vision has no dedicated downstream topic
// in the spec's table, so it republishes on its own topic for any
// supervisor task watching per-media completion.
type PostVisionResultPayload struct {
	PostUUID string `json:"post_uuid"`
	SHA256   string `json:"sha256"`
	Reason   string `json:"reason,omitempty"`
}

// Handle implements streambus.Handler for the posts.vision consumer group.
func (s *VisionStage) Handle(ctx context.Context, env streambus.Envelope) error {
	in, err := DecodePayload[PostVisionPayload](env.Payload)
	if err != nil {
		return errs.SchemaInvalid(err, "posts_vision_decode")
	}

	reason, handleErr := s.analyze(ctx, in)
	if s.Metrics != nil {
		outcome := "ok"
		if handleErr != nil {
			outcome = string(errs.Classify(handleErr))
		}
		s.Metrics.VisionRequests.WithLabelValues(outcome, s.ProviderName).Inc()
	}

	pubErr := PublishDownstream(ctx, s.Pub, env.Tenant, s.Topic, "posts.vision_result.v1", in.PostUUID+":"+in.SHA256+":vision:v1", PostVisionResultPayload{
		PostUUID: in.PostUUID, SHA256: in.SHA256, Reason: reason,
	})
	if pubErr != nil {
		return pubErr
	}
	return handleErr
}

func (s *VisionStage) analyze(ctx context.Context, in PostVisionPayload) (reason string, err error) {
	decision, err := s.Quota.Evaluate(ctx, quota.Context{Tenant: in.Tenant, ContentType: model.ContentVision, SizeBytes: 0})
	if err != nil {
		return "quota_check_failed", errs.Transient(fmt.Errorf("vision: quota check for %s: %w", in.PostUUID, err))
	}
	if !decision.Allow {
		return "quota_exhausted", errs.QuotaExceeded(in.Tenant, fmt.Errorf("vision: %s", decision.Reason))
	}

	exists, _, err := s.CAS.Head(ctx, in.S3Key)
	if err != nil {
		return "cas_head_failed", errs.Transient(fmt.Errorf("vision: head %s: %w", in.S3Key, err))
	}
	if !exists {
		return "blob_missing", errs.NotFound(fmt.Errorf("vision: blob %s not in cas", in.S3Key))
	}

	blob, err := s.CAS.Get(ctx, in.S3Key)
	if err != nil {
		return "cas_get_failed", errs.Transient(fmt.Errorf("vision: get %s: %w", in.S3Key, err))
	}

	result, provider, visionErr := s.callVision(ctx, blob)
	if visionErr != nil {
		return "vision_and_ocr_failed", visionErr
	}

	data, err := json.Marshal(result)
	if err != nil {
		return "marshal_failed", errs.Fatal(fmt.Errorf("vision: marshal result for %s: %w", in.PostUUID, err))
	}
	compressed, err := gzipBytes(data)
	if err != nil {
		return "gzip_failed", errs.Fatal(fmt.Errorf("vision: gzip result for %s: %w", in.PostUUID, err))
	}

	key := cas.DerivedKey(cas.KindVision, in.Tenant, in.SHA256, provider, s.ModelName, s.SchemaVersion)
	if _, err := s.CAS.Put(ctx, key, compressed, "application/json+gzip"); err != nil {
		return "cas_put_failed", errs.Transient(fmt.Errorf("vision: put result for %s: %w", in.PostUUID, err))
	}
	if err := s.Usage.Increment(ctx, in.Tenant, model.ContentVision, int64(len(compressed)), 1); err != nil {
		return "usage_update_failed", errs.Transient(fmt.Errorf("vision: increment usage for %s: %w", in.PostUUID, err))
	}

	if err := s.aggregate(ctx, in, provider, key); err != nil {
		return "aggregate_failed", err
	}
	return "", nil
}

// callVision tries the vision provider first and, when that call fails for
// any reason (an open circuit included), falls back to OCR if OCRFallback is
// set; with the fallback disabled the vision failure is returned.
func (s *VisionStage) callVision(ctx context.Context, blob []byte) (map[string]any, string, error) {
	var visionResult providers.VisionResult
	visionErr := s.VisionBreaker.Call(ctx, func(ctx context.Context) error {
		r, err := s.Vision.Analyze(ctx, blob, "")
		if err != nil {
			return err
		}
		visionResult = r
		return nil
	})
	s.reportBreakerState("vision", s.VisionBreaker)
	if visionErr == nil {
		return map[string]any{"description": visionResult.Description, "labels": visionResult.Labels, "raw": visionResult.Raw}, "vision", nil
	}
	if !s.OCRFallback {
		return nil, "", errs.Transient(fmt.Errorf("vision: provider call failed and ocr fallback disabled: %w", visionErr))
	}

	var ocrResult providers.OCRResult
	ocrErr := s.OCRBreaker.Call(ctx, func(ctx context.Context) error {
		r, err := s.OCR.Extract(ctx, blob, "")
		if err != nil {
			return err
		}
		ocrResult = r
		return nil
	})
	s.reportBreakerState("ocr", s.OCRBreaker)
	if ocrErr != nil {
		return nil, "", errs.Transient(fmt.Errorf("vision: both vision (%v) and ocr (%w) failed", visionErr, ocrErr))
	}
	return map[string]any{"text": ocrResult.Text, "confidence": ocrResult.Confidence}, "ocr", nil
}

// aggregate folds one media item's result into the single post_enrichment
// row an album shares, appending to its parallel s3_keys_list/sha256_list
// arrays instead of overwriting a sibling media item's entry.
func (s *VisionStage) aggregate(ctx context.Context, in PostVisionPayload, provider, resultKey string) error {
	existing, err := s.Enrichment.Get(ctx, in.PostUUID, model.KindVision)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return errs.Transient(fmt.Errorf("vision: load existing enrichment for %s: %w", in.PostUUID, err))
	}

	var keys []string
	var shas []string
	if existing.Data != nil {
		keys = toStringSlice(existing.Data["s3_keys_list"])
		shas = toStringSlice(existing.Data["sha256_list"])
	}
	keys = append(keys, resultKey)
	shas = append(shas, in.SHA256)

	return s.Enrichment.Upsert(ctx, model.PostEnrichment{
		PostUUID: in.PostUUID, Kind: model.KindVision, Provider: provider,
		Data: map[string]any{"s3_keys_list": keys, "sha256_list": shas},
	})
}

// reportBreakerState publishes a breaker's current state to the
// circuit_breaker_state gauge, labeled by provider role (vision/ocr) rather
// than backend name, since that's what an operator watching the breaker
// trip actually wants to alert on.
func (s *VisionStage) reportBreakerState(role string, b *resilience.Breaker) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.CircuitBreakerState.WithLabelValues(role).Set(float64(b.State()))
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
