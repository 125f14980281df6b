// Package stages implements the tagging, enrichment, indexing, vision,
// trend-detection, and digest consumer-group workers (spec §4.4-4.11). Every
// stage is a streambus.Handler: it reads one envelope, does its work, and
// publishes its downstream event exactly once, even on skip or failure, so
// the chain never dead-ends silently (spec §4.3, §9's shared-helper note).
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/streambus"
)

// UsageRepo is the subset of postgres.StorageUsageRepo the stages need to
// account bytes written back to the CAS.
type UsageRepo interface {
	Increment(ctx context.Context, tenant string, contentType model.ContentType, deltaBytes, deltaObjects int64) error
}

// Publisher is the narrow streambus.Producer surface every stage needs,
// letting tests substitute an in-process fake instead of a live Kafka writer.
type Publisher interface {
	Publish(ctx context.Context, topic string, env streambus.Envelope) error
}

// PublishDownstream builds and publishes the next stage's envelope. Callers
// must invoke this on every code path for a handled message, success, skip,
// or error alike, so a stage failure never silently drops a post from the
// pipeline.
func PublishDownstream(ctx context.Context, pub Publisher, tenant, topic, schema, idempotencyKey string, payload any) error {
	env := streambus.Envelope{
		Schema:         schema,
		IdempotencyKey: idempotencyKey,
		Tenant:         tenant,
		Timestamp:      time.Now(),
		Payload:        payload,
	}
	if err := pub.Publish(ctx, topic, env); err != nil {
		return errs.Transient(fmt.Errorf("stages: publish %s: %w", topic, err))
	}
	return nil
}

// DecodePayload converts an envelope's loosely-typed Payload (a
// map[string]any once round-tripped through JSON) into a concrete struct.
func DecodePayload[T any](raw any) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("stages: marshal payload: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("stages: unmarshal payload: %w", err)
	}
	return out, nil
}

// payloadMap asserts the envelope payload is a JSON object, the shape every
// stage payload takes once decoded off the wire.
func payloadMap(raw any) (map[string]any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.SchemaInvalid(fmt.Errorf("stages: payload is not an object (%T)", raw), "payload_not_object")
	}
	return m, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
