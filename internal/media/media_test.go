package media

import "testing"

func TestExtFor_PrefersContentType(t *testing.T) {
	if got := extFor("image/png", "https://example.com/file"); got != "png" {
		t.Fatalf("extFor() = %s, want png", got)
	}
}

func TestExtFor_FallsBackToURLExtension(t *testing.T) {
	if got := extFor("", "https://example.com/photo.jpg"); got != "jpg" {
		t.Fatalf("extFor() = %s, want jpg", got)
	}
}

func TestExtFor_DefaultsToBin(t *testing.T) {
	if got := extFor("", "https://example.com/download"); got != "bin" {
		t.Fatalf("extFor() = %s, want bin", got)
	}
}
