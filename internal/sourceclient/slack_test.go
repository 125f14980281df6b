package sourceclient

import (
	"testing"
	"time"
)

func TestParseSlackTimestamp(t *testing.T) {
	got, err := parseSlackTimestamp("1700000000.123456")
	if err != nil {
		t.Fatalf("parseSlackTimestamp() error = %v", err)
	}
	want := time.Unix(1700000000, 123456000).UTC()
	if !got.Equal(want) {
		t.Fatalf("parseSlackTimestamp() = %v, want %v", got, want)
	}
}

func TestSlackMessageIDOrdering(t *testing.T) {
	earlier, err := slackMessageID("1700000000.100000")
	if err != nil {
		t.Fatalf("slackMessageID() error = %v", err)
	}
	later, err := slackMessageID("1700000001.100000")
	if err != nil {
		t.Fatalf("slackMessageID() error = %v", err)
	}
	if later <= earlier {
		t.Fatalf("expected later timestamp to produce a larger id: %d <= %d", later, earlier)
	}
}

func TestSlackTimestampRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 123000).UTC()
	str := slackTimestamp(ts)
	got, err := parseSlackTimestamp(str)
	if err != nil {
		t.Fatalf("parseSlackTimestamp() error = %v", err)
	}
	if !got.Equal(ts) {
		t.Fatalf("round trip = %v, want %v", got, ts)
	}
}
