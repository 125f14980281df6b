// Package resilience provides the circuit breaker and retry/backoff
// helpers shared by every stage that calls an external provider (vision,
// OCR, crawl, embedding, graph). Grounded on the circuit breaker shape
// found elsewhere in the example pack's resilience package, adapted to
// plain error returns to match this repo's non-generic error style.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of a circuit breaker's three states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Call when the breaker is open or an
// in-flight half-open probe has already claimed its slot.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	FailThreshold int           // consecutive failures before tripping
	Timeout       time.Duration // how long the breaker stays open
	HalfOpenMax   int           // concurrent probe calls allowed while half-open
}

// DefaultBreakerOpts matches the spec's per-provider vision/OCR circuit
// defaults: 5 consecutive failures, 60s recovery.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       60 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a per-provider circuit breaker. One instance should be shared
// across every call to a given provider, not created per-request.
type Breaker struct {
	mu            sync.Mutex
	opts          BreakerOpts
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCount int
	now           func() time.Time
}

// NewBreaker builds a Breaker, filling zero-valued opts fields from
// DefaultBreakerOpts.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current state, resolving an expired open timeout into
// half-open as a side effect.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.halfOpenCount = 0
	}
	return b.state
}

// Call runs f through the breaker, tripping it after FailThreshold
// consecutive failures and allowing a bounded number of half-open probes
// once Timeout has elapsed.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	switch b.currentState() {
	case StateOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCount >= b.opts.HalfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.halfOpenCount++
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
			b.halfOpenCount = 0
		}
		return err
	}

	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	b.failures = 0
	return nil
}
