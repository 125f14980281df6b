// Package sourceclient is the pluggable ingestion-source boundary (§6's
// "From source client: raw message batches"). The channel parser depends
// only on the Source interface; which platform a channel actually lives
// on is a config detail the parser never sees.
package sourceclient

import (
	"context"
	"time"
)

// RawMedia is one media attachment as the source platform reports it,
// before the media processor downloads and content-addresses it.
type RawMedia struct {
	URL  string
	MIME string
}

// RawMessage is a single message as fetched from the source platform,
// matching the parser's expected inbound shape.
type RawMessage struct {
	PlatformMessageID int64
	Text               string
	PostedAt           time.Time
	Media              []RawMedia
	ForwardRef         *string
	ReplyRef           *string
	AuthorRef          *string
	GroupedID          *int64
}

// Batch is one page of fetched messages plus the cursor to resume from.
type Batch struct {
	Messages []RawMessage
	NextSince time.Time // pass as `since` on the next call to make progress
	HasMore  bool
}

// Source fetches raw message batches for one channel since a given time.
// Implementations must be safe to call repeatedly with the same since
// value (idempotent persistence downstream tolerates re-delivery, but a
// well-behaved Source still shouldn't re-fetch more than it has to).
type Source interface {
	// Name identifies the platform, used for channel.settings routing
	// and in structured log fields.
	Name() string
	FetchSince(ctx context.Context, channelRef string, since time.Time, limit int) (Batch, error)
}
