package sourceclient

import (
	"context"
	"time"
)

// FakeSource is an in-process Source for parser tests, mirroring the
// teacher's in-memory test doubles (no mocking framework, a plain struct
// with canned responses).
type FakeSource struct {
	Batches map[string]Batch // keyed by channelRef
	Err     error
	Calls   []FakeCall
}

// FakeCall records one FetchSince invocation for assertions.
type FakeCall struct {
	ChannelRef string
	Since      time.Time
	Limit      int
}

func (f *FakeSource) Name() string { return "fake" }

func (f *FakeSource) FetchSince(_ context.Context, channelRef string, since time.Time, limit int) (Batch, error) {
	f.Calls = append(f.Calls, FakeCall{ChannelRef: channelRef, Since: since, Limit: limit})
	if f.Err != nil {
		return Batch{}, f.Err
	}
	return f.Batches[channelRef], nil
}

var (
	_ Source = (*FakeSource)(nil)
	_ Source = (*SlackSource)(nil)
)
