package scheduler

import (
	"testing"
	"time"

	"github.com/chanforge/ingestfab/internal/model"
)

func TestDecide_NilLastParsedAtIsHistorical(t *testing.T) {
	s := &Scheduler{thresholds: Thresholds{LPAMaxAge: 48 * time.Hour, HistoricalWindow: 24 * time.Hour}}
	now := time.Now()

	mode, since := s.decide(model.Channel{}, now)
	if mode != ModeHistorical {
		t.Fatalf("mode = %s, want historical", mode)
	}
	want := now.Add(-24 * time.Hour)
	if since.Sub(want).Abs() > time.Second {
		t.Fatalf("since = %v, want ~%v", since, want)
	}
}

func TestDecide_StaleLastParsedAtIsHistoricalAndNeverClampsUpward(t *testing.T) {
	s := &Scheduler{thresholds: Thresholds{LPAMaxAge: 48 * time.Hour, HistoricalWindow: 24 * time.Hour}}
	now := time.Now()
	old := now.Add(-200 * time.Hour)
	ch := model.Channel{LastParsedAt: &old}

	mode, since := s.decide(ch, now)
	if mode != ModeHistorical {
		t.Fatalf("mode = %s, want historical", mode)
	}
	// since_date must be the full historical window back from now, not
	// clamped to last_parsed_at's (much older) value.
	want := now.Add(-24 * time.Hour)
	if since.Sub(want).Abs() > time.Second {
		t.Fatalf("since = %v, want ~%v (not clamped to %v)", since, want, old)
	}
}

func TestDecide_RecentLastParsedAtIsIncremental(t *testing.T) {
	s := &Scheduler{thresholds: Thresholds{LPAMaxAge: 48 * time.Hour, HistoricalWindow: 24 * time.Hour}}
	now := time.Now()
	recent := now.Add(-10 * time.Minute)
	ch := model.Channel{LastParsedAt: &recent}

	mode, since := s.decide(ch, now)
	if mode != ModeIncremental {
		t.Fatalf("mode = %s, want incremental", mode)
	}
	if !since.Equal(recent) {
		t.Fatalf("since = %v, want %v", since, recent)
	}
}

func TestTenants_DefaultsToSingleEmptyTenant(t *testing.T) {
	s := &Scheduler{}
	got := s.tenants()
	if len(got) != 1 || got[0] != "" {
		t.Fatalf("tenants() = %v, want a single empty-string tenant", got)
	}
}
