// Package streambus is the Kafka-backed stream bus (C3): envelope framing,
// topic namespacing, a consumer-group dispatcher with pending/lease
// tracking, and dead-letter routing. Generalizes the teacher's
// group.GroupEnvelope wire format and group.KafkaConsumer/ChannelConsumer
// pair to a multi-tenant pipeline instead of a peer-to-peer agent mesh.
package streambus

import "time"

// Envelope is the wire format for every message on the bus.
type Envelope struct {
	Schema         string    `json:"schema"` // e.g. "posts.parsed.v1"
	IdempotencyKey string    `json:"idempotency_key"`
	Tenant         string    `json:"tenant"`
	Timestamp      time.Time `json:"ts"`
	TraceID        string    `json:"trace_id"`
	Payload        any       `json:"payload"`
}

// ErrorEnvelope wraps an Envelope that failed processing past max_retries,
// published to a stream's DLQ topic.
type ErrorEnvelope struct {
	Envelope   Envelope `json:"envelope"`
	ErrorClass string   `json:"error_class"`
	ErrorText  string   `json:"error_text"`
	Attempts   int      `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}
