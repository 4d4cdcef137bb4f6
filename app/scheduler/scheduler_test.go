package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/service"

	"github.com/robfig/cron/v3"
)

type fakeSweeper struct {
	calls int
	err   error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (service.SweepReport, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return service.SweepReport{}, errors.New("sweep without deadline")
	}
	return service.SweepReport{}, f.err
}

type fakePruner struct {
	before time.Time
	calls  int
}

func (f *fakePruner) PruneHistory(_ context.Context, before time.Time) (int64, error) {
	f.calls++
	f.before = before
	return 3, nil
}

func newPolicy(sweep, cleanup string, retention time.Duration) *service.Policy {
	return service.NewPolicy(config.PipelineConfig{
		MaxRetries:          3,
		SignalTimeout:       time.Hour,
		SubmitTimeout:       time.Second,
		DispatchLease:       time.Minute,
		LedgerWriteAttempts: 1,
		SweepBatch:          10,
		SweepSpec:           sweep,
		CleanupSpec:         cleanup,
		HistoryRetention:    retention,
	})
}

func TestStartRegistersJobs(t *testing.T) {
	s := New(&fakeSweeper{}, &fakePruner{}, newPolicy("@every 30s", "0 4 * * *", time.Hour), logger.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if n := len(s.cron.Entries()); n != 2 {
		t.Fatalf("entries = %d, want 2", n)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(&fakeSweeper{}, &fakePruner{}, newPolicy("every now and then", "", 0), logger.NewNop())
	if err := s.Start(); err == nil {
		t.Fatalf("bad cron spec accepted")
	}
}

func TestReloadReplacesChangedJobs(t *testing.T) {
	pol := newPolicy("@every 1h", "0 4 * * *", time.Hour)
	s := New(&fakeSweeper{}, &fakePruner{}, pol, logger.NewNop())
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload before Start: %v", err)
	}
	if n := len(s.cron.Entries()); n != 0 {
		t.Fatalf("entries before Start = %d, want 0", n)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	next := pol.Get()
	next.SweepSpec = "@every 2h"
	next.CleanupSpec = ""
	if err := pol.Update(next); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
	sched, ok := s.cron.Entry(s.sweepID).Schedule.(cron.ConstantDelaySchedule)
	if !ok || sched.Delay != 2*time.Hour {
		t.Fatalf("sweep schedule = %#v, want every 2h", s.cron.Entry(s.sweepID).Schedule)
	}
}

func TestRunSweep(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("db gone")}
	s := New(sw, &fakePruner{}, newPolicy("@every 1m", "", 0), logger.NewNop())

	s.runSweep()
	if sw.calls != 1 {
		t.Fatalf("sweep calls = %d", sw.calls)
	}
}

func TestRunCleanupUsesRetention(t *testing.T) {
	pr := &fakePruner{}
	s := New(&fakeSweeper{}, pr, newPolicy("@every 1m", "@daily", 48*time.Hour), logger.NewNop())
	now := time.Date(2026, 5, 10, 4, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.runCleanup()
	if pr.calls != 1 || !pr.before.Equal(now.Add(-48*time.Hour)) {
		t.Fatalf("prune calls=%d before=%v", pr.calls, pr.before)
	}

	disabled := &fakePruner{}
	s = New(&fakeSweeper{}, disabled, newPolicy("@every 1m", "@daily", 0), logger.NewNop())
	s.runCleanup()
	if disabled.calls != 0 {
		t.Fatalf("cleanup ran with retention disabled")
	}
}
