// Package scheduler is the ingestion scheduler (C5): a single logical
// instance per deployment, enforced by a coordinator-held lock rather
// than the teacher's single-host flock, that ticks on an interval and
// dispatches bounded-concurrency parse jobs to a Parser.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanforge/ingestfab/internal/config"
	"github.com/chanforge/ingestfab/internal/coordinator"
	"github.com/chanforge/ingestfab/internal/metrics"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/resilience"
)

// Mode is the fetch strategy chosen for a channel at dispatch time.
type Mode string

const (
	ModeHistorical  Mode = "historical"
	ModeIncremental Mode = "incremental"
)

// lpaMaxAge and historicalWindow are overridable for tests; production
// callers fill them from config.ParserConfig.
type Thresholds struct {
	LPAMaxAge        time.Duration
	HistoricalWindow time.Duration
}

// ParseResult summarizes one parse job's outcome for logging/metrics.
type ParseResult struct {
	NewPosts int
	NewMedia int
	Status   string
}

// Parser runs one channel's fetch-and-persist pass. Implemented by
// internal/parser.Service.
type Parser interface {
	Parse(ctx context.Context, ch model.Channel, sinceDate time.Time, mode Mode) (ParseResult, error)
}

// ChannelLister returns channels eligible for scheduling, ordered by
// last_parsed_at NULLS FIRST. Implemented by postgres.ChannelRepo.
type ChannelLister interface {
	ListDueForScheduling(ctx context.Context, tenant string, limit int) ([]model.Channel, error)
}

// Scheduler ticks on an interval, decides each due channel's fetch mode
// and since_date, and dispatches parse jobs through a bounded pool.
type Scheduler struct {
	cfg        config.SchedulerConfig
	thresholds Thresholds
	channels   ChannelLister
	parser     Parser
	lock       *coordinator.Lock
	sem        *Semaphore
	metrics    *metrics.Registry
	log        *slog.Logger
	now        func() time.Time
}

// New builds a Scheduler. holderID should be unique per process (e.g.
// hostname:pid) so the coordinator_locks row names the holding process.
func New(cfg config.SchedulerConfig, parserCfg config.ParserConfig, lockPool *pgxpool.Pool, channels ChannelLister, parser Parser, reg *metrics.Registry, holderID string) *Scheduler {
	if cfg.ParseConc <= 0 {
		cfg.ParseConc = 4
	}
	return &Scheduler{
		cfg: cfg,
		thresholds: Thresholds{
			LPAMaxAge:        time.Duration(parserCfg.LPAMaxAgeHours) * time.Hour,
			HistoricalWindow: time.Duration(parserCfg.HistoricalHours) * time.Hour,
		},
		channels: channels,
		parser:   parser,
		lock:     coordinator.NewLock(lockPool, "scheduler:lock", holderID, cfg.LockTTL),
		sem:      NewSemaphore(cfg.ParseConc),
		metrics:  reg,
		log:      slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}
}

// Run blocks, ticking every IntervalSec until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// tick acquires the scheduler lock non-blockingly; failure to acquire
// means another instance already owns this tick and we go to standby.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		s.log.Warn("scheduler lock error", "error", err)
		return
	}
	if s.metrics != nil {
		if acquired {
			s.metrics.SchedulerLockHeld.Set(1)
		} else {
			s.metrics.SchedulerLockHeld.Set(0)
		}
	}
	if !acquired {
		s.log.Debug("tick skipped: lock held by another instance")
		return
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.log.Warn("scheduler lock release failed", "error", err)
		}
	}()

	for _, tenant := range s.tenants() {
		s.tickTenant(ctx, tenant, now)
	}
	if s.metrics != nil {
		s.metrics.SchedulerLastTickTS.Set(float64(now.Unix()))
	}
}

func (s *Scheduler) tenants() []string {
	if len(s.cfg.Tenants) == 0 {
		return []string{""}
	}
	return s.cfg.Tenants
}

func (s *Scheduler) tickTenant(ctx context.Context, tenant string, now time.Time) {
	limit := s.cfg.BatchSize
	if limit <= 0 {
		limit = 50
	}
	channels, err := s.channels.ListDueForScheduling(ctx, tenant, limit)
	if err != nil {
		s.log.Warn("list due channels failed", "tenant", tenant, "error", err)
		return
	}

	for _, ch := range channels {
		mode, since := s.decide(ch, now)
		if !s.sem.TryAcquire() {
			s.log.Warn("parse job skipped: concurrency limit", "channel", ch.ChannelUUID)
			continue
		}
		go s.dispatch(ctx, ch, since, mode)
	}
}

// decide chooses historical vs incremental and computes since_date. A
// missing or stale last_parsed_at gives historical mode with since_date at
// now minus the historical window, never at the older last_parsed_at;
// otherwise since_date is last_parsed_at itself.
func (s *Scheduler) decide(ch model.Channel, now time.Time) (Mode, time.Time) {
	if ch.LastParsedAt == nil || now.Sub(*ch.LastParsedAt) > s.thresholds.LPAMaxAge {
		return ModeHistorical, now.Add(-s.thresholds.HistoricalWindow)
	}
	return ModeIncremental, *ch.LastParsedAt
}

func (s *Scheduler) dispatch(ctx context.Context, ch model.Channel, since time.Time, mode Mode) {
	defer s.sem.Release()

	backoff := resilience.DefaultBackoffOpts
	backoff.MaxAttempts = s.cfg.MaxJobRetries
	if backoff.MaxAttempts <= 0 {
		backoff.MaxAttempts = 3
	}

	var result ParseResult
	err := resilience.Retry(ctx, backoff, func(ctx context.Context) error {
		var err error
		result, err = s.parser.Parse(ctx, ch, since, mode)
		return err
	})

	if s.metrics != nil {
		s.metrics.ParserJobsDispatched.WithLabelValues(string(mode)).Inc()
	}
	if err != nil {
		// Job failure doesn't update last_parsed_at; next tick retries
		// the same (or a wider) window since we never clamp upward.
		s.log.Warn("parse job failed", "channel", ch.ChannelUUID, "mode", mode, "error", err)
		return
	}
	s.log.Info("parse job completed", "channel", ch.ChannelUUID, "mode", mode,
		"new_posts", result.NewPosts, "new_media", result.NewMedia, "status", result.Status)
}

// ErrStandby is returned by callers that want to distinguish "lock not
// held" from a real scheduling error; Scheduler itself only logs it.
var ErrStandby = errors.New("scheduler: standby, lock held elsewhere")
