package providers

import "testing"

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]any{
		"channel":    "news.acme",
		"word_count": int64(512),
		"tags":       []string{"breaking", "politics"},
		"indexed":    true,
	}
	values := payloadToValues(in)
	out := valuesToPayload(values)

	if out["channel"] != "news.acme" {
		t.Fatalf("channel = %v, want news.acme", out["channel"])
	}
	if out["word_count"] != int64(512) {
		t.Fatalf("word_count = %v, want 512", out["word_count"])
	}
	tags, ok := out["tags"].([]string)
	if !ok || len(tags) != 2 || tags[0] != "breaking" {
		t.Fatalf("tags = %v, want [breaking politics]", out["tags"])
	}
}

var (
	_ VectorStore = (*QdrantStore)(nil)
	_ GraphWriter = (*GraphStore)(nil)
)
