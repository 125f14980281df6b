// Package quota evaluates per-tenant storage budgets and the enrichment
// trigger policy. Generalizes the teacher's policy.Engine/Context/Decision
// shape (tier-based tool authorization) into byte-budget-based content
// admission.
package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chanforge/ingestfab/internal/model"
)

// Context holds the information needed to evaluate one admission check.
type Context struct {
	Tenant      string
	ContentType model.ContentType
	SizeBytes   int64
}

// Decision is the result of a quota evaluation.
type Decision struct {
	Allow  bool
	Reason string
	Ts     time.Time
}

// UsageReader is the storage accounting surface the engine reads against.
// internal/store/postgres.StorageUsageRepo satisfies this.
type UsageReader interface {
	Get(ctx context.Context, tenant string, contentType model.ContentType) (model.StorageUsage, error)
}

// Engine evaluates storage admission against a per-tenant byte budget.
type Engine struct {
	Usage          UsageReader
	PerTenantMaxGB float64
}

// NewEngine builds an Engine with the given per-tenant budget in GB.
func NewEngine(usage UsageReader, perTenantMaxGB float64) *Engine {
	return &Engine{Usage: usage, PerTenantMaxGB: perTenantMaxGB}
}

// Evaluate checks whether admitting qc.SizeBytes more content of
// qc.ContentType would push the tenant over its total storage budget. The
// budget spans all content types combined, matching the spec's single
// per-tenant ceiling rather than a per-type one.
func (e *Engine) Evaluate(ctx context.Context, qc Context) (Decision, error) {
	d := Decision{Ts: time.Now()}

	total := qc.SizeBytes
	for _, ct := range []model.ContentType{model.ContentMedia, model.ContentVision, model.ContentCrawl} {
		u, err := e.Usage.Get(ctx, qc.Tenant, ct)
		if err != nil {
			return Decision{}, fmt.Errorf("quota: read usage for %s/%s: %w", qc.Tenant, ct, err)
		}
		total += u.Bytes
	}

	budgetBytes := int64(e.PerTenantMaxGB * 1024 * 1024 * 1024)
	if total > budgetBytes {
		d.Allow = false
		d.Reason = fmt.Sprintf("tenant %s over budget: %d/%d bytes", qc.Tenant, total, budgetBytes)
		return d, nil
	}
	d.Allow = true
	d.Reason = "within_budget"
	return d, nil
}

// EnrichmentTrigger decides whether a post's tags and word count warrant
// the more expensive enrichment stage (web crawl / long-form summarize).
type EnrichmentTrigger struct {
	TriggerTags  map[string]struct{}
	MinWordCount int
}

// NewEnrichmentTrigger builds a trigger policy from the configured tag list.
func NewEnrichmentTrigger(triggerTags []string, minWordCount int) *EnrichmentTrigger {
	set := make(map[string]struct{}, len(triggerTags))
	for _, t := range triggerTags {
		set[strings.ToLower(t)] = struct{}{}
	}
	return &EnrichmentTrigger{TriggerTags: set, MinWordCount: minWordCount}
}

// ShouldEnrich reports whether a tagged post should proceed to enrichment:
// it must carry a trigger tag AND clear the long-form word count threshold.
func (t *EnrichmentTrigger) ShouldEnrich(tags []string, wordCount int) bool {
	matchesTag := false
	for _, tag := range tags {
		if _, ok := t.TriggerTags[strings.ToLower(tag)]; ok {
			matchesTag = true
			break
		}
	}
	return wordCount >= t.MinWordCount && matchesTag
}
