package cas

import "testing"

func TestKey_Media(t *testing.T) {
	got := Key(KindMedia, "acme", "abcdef0123", "jpg")
	want := "media/acme/ab/abcdef0123.jpg"
	if got != want {
		t.Fatalf("Key() = %s, want %s", got, want)
	}
}

func TestKey_NonMediaHasNoShardPrefix(t *testing.T) {
	got := Key(KindCrawl, "acme", "abcdef0123", "json")
	want := "crawl/acme/abcdef0123.json"
	if got != want {
		t.Fatalf("Key() = %s, want %s", got, want)
	}
}

func TestDerivedKey(t *testing.T) {
	got := DerivedKey(KindVision, "acme", "abcdef0123", "openai", "gpt-4-vision", 1)
	want := "vision/acme/abcdef0123_openai_gpt-4-vision_v1.json"
	if got != want {
		t.Fatalf("DerivedKey() = %s, want %s", got, want)
	}
}
