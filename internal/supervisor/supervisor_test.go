package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisor_RestartsFailingTaskWithBackoff(t *testing.T) {
	var calls int32
	sup := New(nil)
	sup.Register(TaskConfig{
		Name:           "flaky",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Factory: func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				return errors.New("boom")
			}
			<-ctx.Done()
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("calls = %d, want at least 3 (two failures then a run that blocks until cancel)", calls)
	}
	if sup.Health()["flaky"] != string(StateStopped) {
		t.Fatalf("final state = %s, want stopped", sup.Health()["flaky"])
	}
}

// TestSupervisor_RecoversPanicAndRestarts exercises the errs.Fatal→panic
// path a handler takes on a broken invariant: the panic must crash only
// this task's attempt, not the test process, and the normal restart-with-
// backoff loop takes over exactly as it would for a returned error.
func TestSupervisor_RecoversPanicAndRestarts(t *testing.T) {
	var calls int32
	sup := New(nil)
	sup.Register(TaskConfig{
		Name:           "panics",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Factory: func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				panic("broken invariant")
			}
			<-ctx.Done()
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("calls = %d, want at least 3 (two panics then a run that blocks until cancel)", calls)
	}
	if sup.Health()["panics"] != string(StateStopped) {
		t.Fatalf("final state = %s, want stopped", sup.Health()["panics"])
	}
}

func TestSupervisor_StopsRestartingPastMaxRetries(t *testing.T) {
	var calls int32
	sup := New(nil)
	sup.Register(TaskConfig{
		Name:           "always_fails",
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Factory: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = sup.Run(ctx)

	if sup.Health()["always_fails"] != string(StateFailed) {
		t.Fatalf("final state = %s, want failed", sup.Health()["always_fails"])
	}
	if atomic.LoadInt32(&calls) != 3 { // initial attempt + 2 retries
		t.Fatalf("calls = %d, want 3", calls)
	}
}
