package streambus

import "fmt"

// Stream names the logical queues the pipeline moves posts through.
type Stream string

const (
	StreamPostsRaw        Stream = "posts.raw"
	StreamPostsPersisted  Stream = "posts.parsed"
	StreamPostsTagged     Stream = "posts.tagged"
	StreamPostsEnriched   Stream = "posts.enriched"
	StreamPostsVision     Stream = "posts.vision"
	StreamPostsIndexed    Stream = "posts.indexed"
	StreamTrendCandidates Stream = "trend.candidates"
	StreamDigestReady     Stream = "digest.ready"
)

// TopicFor namespaces a stream by tenant so one Kafka cluster can serve
// every tenant without cross-tenant consumer-group bleed.
func TopicFor(tenant string, s Stream) string {
	return fmt.Sprintf("%s.%s", tenant, s)
}

// DLQTopic returns the dead-letter topic for a tenant-scoped topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// ConsumerGroup names the Kafka consumer group for a pipeline stage,
// namespaced by stage so each stage gets its own independent offset.
func ConsumerGroup(stage string) string {
	return "ingestfab." + stage
}
