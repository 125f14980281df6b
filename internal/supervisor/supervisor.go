// Package supervisor runs a fixed set of long-lived worker goroutines (one
// per consumer-group stage) and restarts any that exit, backing off
// exponentially between restarts the way internal/resilience backs off a
// single failed call, generalized to a whole task's lifetime.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chanforge/ingestfab/internal/metrics"
)

// TaskState is the supervisor's view of one task's lifecycle.
type TaskState string

const (
	StateStarting  TaskState = "starting"
	StateRunning   TaskState = "running"
	StateBackingOff TaskState = "backing_off"
	StateFailed    TaskState = "failed"
	StateStopped   TaskState = "stopped"
)

// TaskConfig names one supervised goroutine and its restart policy.
type TaskConfig struct {
	Name              string
	Factory           func(ctx context.Context) error
	MaxRetries        int // 0 means retry forever
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	return c
}

type taskStatus struct {
	state    TaskState
	restarts int
	lastErr  error
}

// Supervisor owns a registry of tasks and runs each until the supervisor's
// context is canceled, restarting any task whose factory returns.
type Supervisor struct {
	mu      sync.Mutex
	tasks   []TaskConfig
	status  map[string]*taskStatus
	metrics *metrics.Registry
	log     *slog.Logger
}

// New builds a Supervisor. reg may be nil in tests.
func New(reg *metrics.Registry) *Supervisor {
	return &Supervisor{
		status:  map[string]*taskStatus{},
		metrics: reg,
		log:     slog.Default().With("component", "supervisor"),
	}
}

// Register adds a task to the supervisor. Call before Run.
func (s *Supervisor) Register(cfg TaskConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cfg.withDefaults()
	s.tasks = append(s.tasks, cfg)
	s.status[cfg.Name] = &taskStatus{state: StateStarting}
}

// Run starts every registered task and blocks until ctx is canceled, then
// waits for every task's current attempt to return (a graceful drain: a
// task's factory is expected to itself honor ctx.Done() and return instead
// of being killed mid-work).
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	s.mu.Lock()
	tasks := append([]TaskConfig(nil), s.tasks...)
	s.mu.Unlock()

	for _, cfg := range tasks {
		wg.Add(1)
		go func(cfg TaskConfig) {
			defer wg.Done()
			s.runLoop(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
	return nil
}

// runLoop restarts cfg.Factory with capped exponential backoff until ctx
// is canceled or MaxRetries is exhausted (if nonzero).
func (s *Supervisor) runLoop(ctx context.Context, cfg TaskConfig) {
	delay := cfg.InitialBackoff
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			s.setState(cfg.Name, StateStopped)
			return
		}
		if cfg.MaxRetries > 0 && attempt > cfg.MaxRetries {
			s.setState(cfg.Name, StateFailed)
			s.log.Error("task exhausted retries", "task", cfg.Name, "retries", attempt)
			return
		}

		s.setState(cfg.Name, StateRunning)
		err := runFactory(ctx, cfg.Factory)
		if err == nil || ctx.Err() != nil {
			s.setState(cfg.Name, StateStopped)
			return
		}

		s.mu.Lock()
		st := s.status[cfg.Name]
		st.restarts++
		st.lastErr = err
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SupervisorRestarts.WithLabelValues(cfg.Name).Inc()
		}
		s.log.Warn("task exited, restarting", "task", cfg.Name, "attempt", attempt+1, "error", err)

		s.setState(cfg.Name, StateBackingOff)
		wait := withJitter(delay)
		select {
		case <-ctx.Done():
			s.setState(cfg.Name, StateStopped)
			return
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}
}

// runFactory runs factory and converts a panic into an error so a Fatal
// classification (internal/errs) propagated as a panic crashes only this
// task's goroutine, not the whole process; runLoop's normal restart-with-
// backoff path then takes over exactly as it would for a returned error.
func runFactory(ctx context.Context, factory func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return factory(ctx)
}

func (s *Supervisor) setState(task string, state TaskState) {
	s.mu.Lock()
	prev := s.status[task]
	if prev == nil {
		prev = &taskStatus{}
		s.status[task] = prev
	}
	prevState := prev.state
	prev.state = state
	s.mu.Unlock()

	if s.metrics == nil {
		return
	}
	if prevState != "" && prevState != state {
		s.metrics.SupervisorTaskState.WithLabelValues(task, string(prevState)).Set(0)
	}
	s.metrics.SupervisorTaskState.WithLabelValues(task, string(state)).Set(1)
}

// Health returns a snapshot of every task's current state, for an
// HTTP health endpoint (spec §4.11).
func (s *Supervisor) Health() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.status))
	for name, st := range s.status {
		out[name] = string(st.state)
	}
	return out
}

func withJitter(d time.Duration) time.Duration {
	fifth := int64(d) / 5
	if fifth <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(fifth))
}
