package sourceclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig names the bot token used to read channel history. Grounded
// on the teacher's config.SlackConfig shape, trimmed to what a read-only
// ingestion source needs (no outbound webhook, no pairing policy).
type SlackConfig struct {
	BotToken string
}

// SlackSource fetches conversation history via the Slack Web API,
// adapted from the teacher's SlackChannel into a pull-based Source:
// the teacher's SlackChannel pushes bot replies through an outbound
// webhook, this reads history pages instead.
type SlackSource struct {
	client *slack.Client
}

// NewSlackSource builds a SlackSource from cfg.
func NewSlackSource(cfg SlackConfig) *SlackSource {
	return &SlackSource{client: slack.New(cfg.BotToken)}
}

func (s *SlackSource) Name() string { return "slack" }

// FetchSince makes one slack.GetConversationHistory call for messages after
// since (at most limit), translating each slack.Message into a RawMessage.
// It fetches a single page and reports further pages through HasMore.
// channelRef is a Slack channel ID (e.g. "C0123ABCD").
func (s *SlackSource) FetchSince(ctx context.Context, channelRef string, since time.Time, limit int) (Batch, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelRef,
		Oldest:    slackTimestamp(since),
		Limit:     limit,
		Inclusive: false,
	}
	resp, err := s.client.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return Batch{}, fmt.Errorf("sourceclient: slack history %s: %w", channelRef, err)
	}

	messages := make([]RawMessage, 0, len(resp.Messages))
	var maxTS time.Time
	for _, m := range resp.Messages {
		raw, postedAt, err := toRawMessage(m)
		if err != nil {
			continue // malformed timestamp from the API; skip rather than fail the whole page
		}
		messages = append(messages, raw)
		if postedAt.After(maxTS) {
			maxTS = postedAt
		}
	}

	next := since
	if !maxTS.IsZero() {
		next = maxTS
	}
	return Batch{Messages: messages, NextSince: next, HasMore: resp.HasMore}, nil
}

func toRawMessage(m slack.Message) (RawMessage, time.Time, error) {
	postedAt, err := parseSlackTimestamp(m.Timestamp)
	if err != nil {
		return RawMessage{}, time.Time{}, err
	}
	platformID, err := slackMessageID(m.Timestamp)
	if err != nil {
		return RawMessage{}, time.Time{}, err
	}

	media := make([]RawMedia, 0, len(m.Files))
	for _, f := range m.Files {
		media = append(media, RawMedia{URL: f.URLPrivate, MIME: f.Mimetype})
	}

	var authorRef *string
	if m.User != "" {
		u := m.User
		authorRef = &u
	}
	var replyRef *string
	if m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp {
		r := m.ThreadTimestamp
		replyRef = &r
	}

	return RawMessage{
		PlatformMessageID: platformID,
		Text:              m.Text,
		PostedAt:          postedAt,
		Media:             media,
		AuthorRef:         authorRef,
		ReplyRef:          replyRef,
	}, postedAt, nil
}

// slackMessageID turns a Slack "1234567890.123456" timestamp into a
// monotonically ordered int64 the parser can use as tg_message_id's
// platform-agnostic equivalent.
func slackMessageID(ts string) (int64, error) {
	cleaned := strings.ReplaceAll(ts, ".", "")
	id, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sourceclient: parse slack message id %q: %w", ts, err)
	}
	return id, nil
}

func parseSlackTimestamp(ts string) (time.Time, error) {
	parts := strings.SplitN(ts, ".", 2)
	secs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("sourceclient: parse slack ts %q: %w", ts, err)
	}
	var nsec int64
	if len(parts) == 2 {
		micros, err := strconv.ParseInt(parts[1], 10, 64)
		if err == nil {
			nsec = micros * 1000
		}
	}
	return time.Unix(secs, nsec).UTC(), nil
}

func slackTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
