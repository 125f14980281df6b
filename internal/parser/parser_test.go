package parser

import (
	"testing"
	"time"

	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/sourceclient"
)

func TestContentHashIsStableAndDistinguishesMessages(t *testing.T) {
	a := contentHash("chan-1", 100, "hello")
	b := contentHash("chan-1", 100, "hello")
	if a != b {
		t.Fatalf("contentHash not stable: %s != %s", a, b)
	}
	c := contentHash("chan-1", 101, "hello")
	if a == c {
		t.Fatal("contentHash did not change with a different message id")
	}
}

func TestToPost_SetsExpiryFromPostedAt(t *testing.T) {
	ch := model.Channel{ChannelUUID: "c1", Tenant: "acme"}
	postedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := toPost(ch, sourceclient.RawMessage{PlatformMessageID: 5, Text: "hi", PostedAt: postedAt})

	want := postedAt.Add(model.PostExpiry)
	if !p.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", p.ExpiresAt, want)
	}
	if p.EnrichmentStatus != model.StatusPending {
		t.Fatalf("EnrichmentStatus = %s, want pending", p.EnrichmentStatus)
	}
}

func TestChannelRef_PrefersUsernameOverTgID(t *testing.T) {
	username := "news"
	id := int64(42)
	ch := model.Channel{ChannelUUID: "c1", Username: &username, TgChannelID: &id}
	if got := channelRef(ch); got != "news" {
		t.Fatalf("channelRef() = %s, want news", got)
	}
}

func TestChannelRef_FallsBackToTgID(t *testing.T) {
	id := int64(42)
	ch := model.Channel{ChannelUUID: "c1", TgChannelID: &id}
	if got := channelRef(ch); got != "42" {
		t.Fatalf("channelRef() = %s, want 42", got)
	}
}

func TestAdaptiveThreshold_WeekdayDaytimeNoInflation(t *testing.T) {
	s := &Service{}
	// 2026-01-05 is a Monday.
	noon := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d, reason := s.adaptiveThreshold(noon)
	if reason != "" {
		t.Fatalf("reason = %q, want empty for weekday daytime", reason)
	}
	if d != 5*time.Minute {
		t.Fatalf("threshold = %v, want base 5m", d)
	}
}

func TestAdaptiveThreshold_NightInflates(t *testing.T) {
	s := &Service{}
	night := time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC)
	d, reason := s.adaptiveThreshold(night)
	if reason != "night" {
		t.Fatalf("reason = %q, want night", reason)
	}
	if d != time.Duration(float64(5*time.Minute)*1.5) {
		t.Fatalf("threshold = %v, want 1.5x base", d)
	}
}
