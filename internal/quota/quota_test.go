package quota

import (
	"context"
	"testing"

	"github.com/chanforge/ingestfab/internal/model"
)

type fakeUsage struct {
	bytes map[model.ContentType]int64
}

func (f fakeUsage) Get(ctx context.Context, tenant string, contentType model.ContentType) (model.StorageUsage, error) {
	return model.StorageUsage{Tenant: tenant, ContentType: contentType, Bytes: f.bytes[contentType]}, nil
}

func TestEngineEvaluate_WithinBudget(t *testing.T) {
	usage := fakeUsage{bytes: map[model.ContentType]int64{model.ContentMedia: 1 << 20}}
	e := NewEngine(usage, 1.0) // 1 GB budget

	d, err := e.Evaluate(context.Background(), Context{Tenant: "acme", ContentType: model.ContentMedia, SizeBytes: 1 << 10})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Allow {
		t.Fatalf("Evaluate() Allow = false, want true; reason=%s", d.Reason)
	}
}

func TestEngineEvaluate_OverBudget(t *testing.T) {
	oneGB := int64(1024 * 1024 * 1024)
	usage := fakeUsage{bytes: map[model.ContentType]int64{model.ContentMedia: oneGB}}
	e := NewEngine(usage, 1.0)

	d, err := e.Evaluate(context.Background(), Context{Tenant: "acme", ContentType: model.ContentMedia, SizeBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Allow {
		t.Fatalf("Evaluate() Allow = true, want false")
	}
}

// ShouldEnrich requires BOTH a trigger-tag match AND the word count
// threshold (spec §4.5); neither condition alone qualifies a post.
func TestEnrichmentTrigger_RequiresTagMatchAndWordCount(t *testing.T) {
	tr := NewEnrichmentTrigger([]string{"breaking"}, 500)
	if !tr.ShouldEnrich([]string{"sports", "breaking"}, 600) {
		t.Fatal("ShouldEnrich() = false with matching tag and word count above threshold, want true")
	}
	if tr.ShouldEnrich([]string{"sports", "breaking"}, 100) {
		t.Fatal("ShouldEnrich() = true with matching tag but word count below threshold, want false")
	}
	if tr.ShouldEnrich([]string{"sports"}, 600) {
		t.Fatal("ShouldEnrich() = true with word count above threshold but no matching tag, want false")
	}
	if tr.ShouldEnrich(nil, 100) {
		t.Fatal("ShouldEnrich() = true with neither condition met, want false")
	}
}

func TestEnrichmentTrigger_TagMatchIsCaseInsensitive(t *testing.T) {
	tr := NewEnrichmentTrigger([]string{"Breaking", "Analysis"}, 500)
	if !tr.ShouldEnrich([]string{"sports", "BREAKING"}, 600) {
		t.Fatal("ShouldEnrich() = false for case-insensitive tag match, want true")
	}
}
