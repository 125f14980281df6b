package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Producer publishes envelopes onto tenant-scoped topics. One Producer is
// shared across every stage in a process; kafka-go's Writer is itself
// safe for concurrent use.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer builds a Producer against the given broker list.
func NewProducer(brokers string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
	}
}

// Publish writes env to topic, keyed by env.IdempotencyKey so a replayed
// envelope for the same logical event lands on the same partition.
func (p *Producer) Publish(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("streambus: marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.IdempotencyKey),
		Value: body,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("streambus: publish to %s: %w", topic, err)
	}
	return nil
}

// PublishDLQ routes a failed envelope to its stream's dead-letter topic.
func (p *Producer) PublishDLQ(ctx context.Context, topic string, errEnv ErrorEnvelope) error {
	body, err := json.Marshal(errEnv)
	if err != nil {
		return fmt.Errorf("streambus: marshal dlq envelope: %w", err)
	}
	msg := kafka.Message{
		Topic: DLQTopic(topic),
		Key:   []byte(errEnv.Envelope.IdempotencyKey),
		Value: body,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("streambus: publish dlq to %s: %w", DLQTopic(topic), err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error { return p.writer.Close() }
