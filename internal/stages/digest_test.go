package stages

import (
	"context"
	"testing"
	"time"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/streambus"
)

type fakeLock struct {
	acquired bool
	failNext bool
}

func (f *fakeLock) TryAcquire(_ context.Context) (bool, error) {
	if f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(_ context.Context) error {
	f.acquired = false
	return nil
}

type fakeDigestHistory struct {
	claims  map[string]bool
	sent    []string
	failed  []string
}

func digestKey(user, date string) string { return user + ":" + date }

func (f *fakeDigestHistory) ClaimPending(_ context.Context, _ string, userUUID string, digestDate time.Time) (bool, error) {
	if f.claims == nil {
		f.claims = map[string]bool{}
	}
	key := digestKey(userUUID, digestDate.Format("2006-01-02"))
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

func (f *fakeDigestHistory) MarkSent(_ context.Context, userUUID string, digestDate time.Time) error {
	f.sent = append(f.sent, digestKey(userUUID, digestDate.Format("2006-01-02")))
	return nil
}

func (f *fakeDigestHistory) MarkFailed(_ context.Context, userUUID string, digestDate time.Time, _ string) error {
	f.failed = append(f.failed, digestKey(userUUID, digestDate.Format("2006-01-02")))
	return nil
}

type fakePostLister struct {
	posts []string
}

func (f *fakePostLister) ListForDigest(_ context.Context, _ string, _ string, _ time.Time) ([]string, error) {
	return f.posts, nil
}

type fakeGenerator struct {
	calls int
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, _ string, _ []string) (string, error) {
	f.calls++
	return "digest body", f.err
}

func sharedLockFactory(locks map[string]*fakeLock) LockFactory {
	return func(key string, _ time.Duration) Locker {
		l, ok := locks[key]
		if !ok {
			l = &fakeLock{}
			locks[key] = l
		}
		return l
	}
}

func TestDigestStage_Handle_DoubleClickSendsExactlyOnce(t *testing.T) {
	locks := map[string]*fakeLock{}
	history := &fakeDigestHistory{}
	posts := &fakePostLister{posts: []string{"p1", "p2"}}
	gen := &fakeGenerator{}
	pub := &fakePublisher{}
	stage := NewDigestStage(history, posts, gen, sharedLockFactory(locks), 30*time.Second, pub, "t1.digest.ready", nil)

	digestDate := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	env := streambus.Envelope{Tenant: "acme", Payload: DigestRequestPayload{Tenant: "acme", UserUUID: "u1", DigestDate: digestDate}}

	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle() first click error = %v", err)
	}
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle() second click error = %v", err)
	}

	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.calls)
	}
	if len(history.sent) != 1 {
		t.Fatalf("sent rows = %d, want 1", len(history.sent))
	}
	if len(pub.published) != 2 {
		t.Fatalf("published %d messages, want 2 (both clicks report a result)", len(pub.published))
	}
	second := pub.published[1].Env.Payload.(DigestReadyPayload)
	if second.Status != "skipped" || second.Reason != "duplicate_request" {
		t.Fatalf("second click payload = %+v, want skipped/duplicate_request", second)
	}
}

func TestDigestStage_Handle_GenerationFailureIsTerminalNotRetried(t *testing.T) {
	locks := map[string]*fakeLock{}
	history := &fakeDigestHistory{}
	posts := &fakePostLister{posts: []string{"p1"}}
	gen := &fakeGenerator{err: context.DeadlineExceeded}
	pub := &fakePublisher{}
	stage := NewDigestStage(history, posts, gen, sharedLockFactory(locks), 30*time.Second, pub, "t1.digest.ready", nil)

	digestDate := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	env := streambus.Envelope{Tenant: "acme", Payload: DigestRequestPayload{Tenant: "acme", UserUUID: "u2", DigestDate: digestDate}}

	err := stage.Handle(context.Background(), env)
	if err == nil {
		t.Fatal("Handle() error = nil, want non-nil")
	}
	if class := errs.Classify(err); class != errs.ClassTerminalFailure {
		t.Fatalf("Classify(err) = %s, want terminal_failure", class)
	}
	if !errs.IsTerminalSkip(err) {
		t.Fatal("IsTerminalSkip(err) = false, want true (no retry, no DLQ, no crash)")
	}
	if len(history.failed) != 1 {
		t.Fatalf("failed rows = %d, want 1", len(history.failed))
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1 (always publish downstream)", len(pub.published))
	}
}
