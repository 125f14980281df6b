package stages

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/providers"
	"github.com/chanforge/ingestfab/internal/resilience"
	"github.com/chanforge/ingestfab/internal/store/postgres"
)

func newTestBreaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 5, Timeout: 60})
}

func TestGzipBytes_RoundTrips(t *testing.T) {
	compressed, err := gzipBytes([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("gzipBytes() error = %v", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("round trip = %s, want {\"a\":1}", out)
	}
}

type fakeVisionAnalyzer struct {
	result providers.VisionResult
	err    error
}

func (f *fakeVisionAnalyzer) Analyze(_ context.Context, _ []byte, _ string) (providers.VisionResult, error) {
	return f.result, f.err
}

type fakeOCR struct {
	result providers.OCRResult
	err    error
}

func (f *fakeOCR) Extract(_ context.Context, _ []byte, _ string) (providers.OCRResult, error) {
	return f.result, f.err
}

func TestVisionStage_CallVision_FallsBackToOCROnVisionFailure(t *testing.T) {
	stage := &VisionStage{
		Vision:        &fakeVisionAnalyzer{err: errors.New("provider down")},
		OCR:           &fakeOCR{result: providers.OCRResult{Text: "extracted"}},
		OCRFallback:   true,
		VisionBreaker: newTestBreaker(),
		OCRBreaker:    newTestBreaker(),
	}
	result, provider, err := stage.callVision(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("callVision() error = %v", err)
	}
	if provider != "ocr" || result["text"] != "extracted" {
		t.Fatalf("callVision() = (%v, %s), want ocr result", result, provider)
	}
}

func TestVisionStage_CallVision_NoFallbackPropagatesError(t *testing.T) {
	stage := &VisionStage{
		Vision:        &fakeVisionAnalyzer{err: errors.New("provider down")},
		OCR:           &fakeOCR{},
		OCRFallback:   false,
		VisionBreaker: newTestBreaker(),
		OCRBreaker:    newTestBreaker(),
	}
	if _, _, err := stage.callVision(context.Background(), []byte("img")); err == nil {
		t.Fatal("callVision() error = nil, want non-nil")
	}
}

type fakeEnrichmentReadWriter struct {
	rows map[string]model.PostEnrichment
}

func (f *fakeEnrichmentReadWriter) Get(_ context.Context, postUUID string, kind model.EnrichmentKind) (model.PostEnrichment, error) {
	e, ok := f.rows[postUUID+":"+string(kind)]
	if !ok {
		return model.PostEnrichment{}, postgres.ErrNotFound
	}
	return e, nil
}

func (f *fakeEnrichmentReadWriter) Upsert(_ context.Context, e model.PostEnrichment) error {
	if f.rows == nil {
		f.rows = map[string]model.PostEnrichment{}
	}
	f.rows[e.PostUUID+":"+string(e.Kind)] = e
	return nil
}

func TestVisionStage_Aggregate_AppendsAcrossAlbumMembers(t *testing.T) {
	repo := &fakeEnrichmentReadWriter{}
	stage := &VisionStage{Enrichment: repo}

	if err := stage.aggregate(context.Background(), PostVisionPayload{PostUUID: "p1", SHA256: "sha-a", Tenant: "acme"}, "vision", "key-a"); err != nil {
		t.Fatalf("aggregate() error = %v", err)
	}
	if err := stage.aggregate(context.Background(), PostVisionPayload{PostUUID: "p1", SHA256: "sha-b", Tenant: "acme"}, "vision", "key-b"); err != nil {
		t.Fatalf("aggregate() error = %v", err)
	}

	row := repo.rows["p1:vision"]
	keys := toStringSlice(row.Data["s3_keys_list"])
	if len(keys) != 2 || keys[0] != "key-a" || keys[1] != "key-b" {
		t.Fatalf("s3_keys_list = %v, want [key-a key-b]", keys)
	}
}
