package streambus

import "testing"

func TestTopicFor(t *testing.T) {
	got := TopicFor("acme", StreamPostsPersisted)
	want := "acme.posts.parsed"
	if got != want {
		t.Fatalf("TopicFor() = %q, want %q", got, want)
	}
}

func TestDLQTopic(t *testing.T) {
	got := DLQTopic("acme.posts.parsed")
	want := "acme.posts.parsed.dlq"
	if got != want {
		t.Fatalf("DLQTopic() = %q, want %q", got, want)
	}
}

func TestConsumerGroup(t *testing.T) {
	got := ConsumerGroup("tagging")
	want := "ingestfab.tagging"
	if got != want {
		t.Fatalf("ConsumerGroup() = %q, want %q", got, want)
	}
}

func TestMessageIDForPrefersIdempotencyKey(t *testing.T) {
	env := Envelope{IdempotencyKey: "abc123"}
	if got := messageIDFor(env, ConsumerMessage{}); got != "abc123" {
		t.Fatalf("messageIDFor() = %q, want %q", got, "abc123")
	}
}

func TestMessageIDForFallsBackToOffset(t *testing.T) {
	msg := ConsumerMessage{Topic: "acme.posts.raw", Partition: 2, Offset: 42}
	got := messageIDFor(Envelope{}, msg)
	want := "acme.posts.raw:2:42"
	if got != want {
		t.Fatalf("messageIDFor() = %q, want %q", got, want)
	}
}
