package streambus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// ConsumerMessage is one delivered message, carrying enough of the
// underlying kafka.Message for Commit to acknowledge it once processing
// durably succeeds.
type ConsumerMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	raw       kafka.Message
}

// Consumer abstracts message delivery so GroupRouter can run against a real
// Kafka consumer group or, in tests, an in-process channel — mirroring the
// teacher's Consumer/KafkaConsumer/ChannelConsumer split.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan ConsumerMessage
	Commit(ctx context.Context, msg ConsumerMessage) error
	Close() error
}

// KafkaGroupConsumer implements Consumer with segmentio/kafka-go, using
// FetchMessage/CommitMessages rather than the auto-committing ReadMessage
// so a message is only acknowledged after its handler durably succeeds.
type KafkaGroupConsumer struct {
	brokers       string
	consumerGroup string
	topics        []string
	readers       []*kafka.Reader
	messages      chan ConsumerMessage
	mu            sync.Mutex
}

// NewKafkaGroupConsumer creates a Kafka consumer-group reader for topics.
func NewKafkaGroupConsumer(brokers, consumerGroup string, topics []string) *KafkaGroupConsumer {
	return &KafkaGroupConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topics:        topics,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start begins fetching from every configured topic.
func (c *KafkaGroupConsumer) Start(ctx context.Context) error {
	brokerList := strings.Split(c.brokers, ",")
	for _, topic := range c.topics {
		c.startReader(ctx, brokerList, topic)
	}
	return nil
}

func (c *KafkaGroupConsumer) startReader(ctx context.Context, brokerList []string, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList,
		Topic:    topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	go func(r *kafka.Reader, t string) {
		for {
			msg, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("streambus: fetch error", "topic", t, "error", err)
				continue
			}
			c.messages <- ConsumerMessage{
				Topic:     t,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				raw:       msg,
			}
		}
	}(reader, topic)
}

// Messages returns the channel of fetched-but-not-yet-committed messages.
func (c *KafkaGroupConsumer) Messages() <-chan ConsumerMessage { return c.messages }

// Commit acknowledges msg, advancing the consumer group's offset.
func (c *KafkaGroupConsumer) Commit(ctx context.Context, msg ConsumerMessage) error {
	for _, r := range c.readers {
		if r.Config().Topic == msg.Topic {
			return r.CommitMessages(ctx, msg.raw)
		}
	}
	return nil
}

// Close stops every reader.
func (c *KafkaGroupConsumer) Close() error {
	for _, r := range c.readers {
		r.Close()
	}
	close(c.messages)
	return nil
}

// ChannelConsumer is an in-process Consumer for tests, mirroring the
// teacher's fake of the same name.
type ChannelConsumer struct {
	ch        chan ConsumerMessage
	committed []ConsumerMessage
	mu        sync.Mutex
}

// NewChannelConsumer creates an in-process consumer for testing.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

// Start is a no-op.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Commit records msg as acknowledged, so tests can assert on it.
func (c *ChannelConsumer) Commit(ctx context.Context, msg ConsumerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, msg)
	return nil
}

// Committed returns every message Commit has seen, in order.
func (c *ChannelConsumer) Committed() []ConsumerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConsumerMessage, len(c.committed))
	copy(out, c.committed)
	return out
}

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a message into the channel consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}
