package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stuckJob(t *testing.T) (*store.Store, time.Time) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "wd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return t0 })
	_, err = s.Enqueue(models.Job{ID: "j1", Kind: "lan.net.port_scan"})
	require.NoError(t, err)
	_, err = s.PopNext()
	require.NoError(t, err)
	return s, t0
}

func watchdogCount(t *testing.T, s *store.Store, topic string) int {
	t.Helper()
	evs, err := s.Tail(100, topic)
	require.NoError(t, err)
	return len(evs)
}

func TestJobWatchdogReset(t *testing.T) {
	s, t0 := stuckJob(t)
	wd := NewJobWatchdog(s, s, DefaultWatchdogConfig(), nil)
	wd.SetClock(func() time.Time { return t0.Add(20 * time.Minute) })

	require.NoError(t, wd.Tick())
	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 1, watchdogCount(t, s, "core.watchdog.job.stuck"))
	assert.Equal(t, 1, watchdogCount(t, s, "core.watchdog.job.reset"))
}

func TestJobWatchdogRecentEventKeepsJob(t *testing.T) {
	s, t0 := stuckJob(t)
	s.SetClock(func() time.Time { return t0.Add(19 * time.Minute) })
	_, err := s.Publish("lan.job.progress", map[string]interface{}{"id": "j1"})
	require.NoError(t, err)

	wd := NewJobWatchdog(s, s, DefaultWatchdogConfig(), nil)
	wd.SetClock(func() time.Time { return t0.Add(20 * time.Minute) })
	require.NoError(t, wd.Tick())

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
}

func TestJobWatchdogProgressSurvivesEventFlood(t *testing.T) {
	s, t0 := stuckJob(t)
	s.SetClock(func() time.Time { return t0.Add(800 * time.Second) })
	_, err := s.Publish("ai.action.started", map[string]interface{}{"job_id": "j1", "step": 3})
	require.NoError(t, err)
	for i := 0; i < 250; i++ {
		_, err := s.Publish("core.health", map[string]interface{}{"state": "LAN_OPS"})
		require.NoError(t, err)
	}

	wd := NewJobWatchdog(s, s, DefaultWatchdogConfig(), nil)
	wd.SetClock(func() time.Time { return t0.Add(1000 * time.Second) })
	require.NoError(t, wd.Tick())

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 0, watchdogCount(t, s, "core.watchdog.job.stuck"))
}

func TestJobWatchdogReloadWhileTicking(t *testing.T) {
	s, t0 := stuckJob(t)
	cfg := DefaultWatchdogConfig()
	cfg.Action = WatchdogNone
	wd := NewJobWatchdog(s, s, cfg, nil)
	wd.SetClock(func() time.Time { return t0.Add(time.Minute) })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			next := cfg
			next.StuckAfter = time.Duration(i+1) * time.Hour
			wd.SetConfig(next)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, wd.Tick())
		}
	}()
	wg.Wait()

	assert.Equal(t, 50*time.Hour, wd.config().StuckAfter)
}

func TestJobWatchdogGiveupOnce(t *testing.T) {
	s, t0 := stuckJob(t)
	cfg := DefaultWatchdogConfig()
	cfg.MaxResets = 0
	wd := NewJobWatchdog(s, s, cfg, nil)
	wd.SetClock(func() time.Time { return t0.Add(time.Hour) })

	for i := 0; i < 3; i++ {
		require.NoError(t, wd.Tick())
	}
	assert.Equal(t, 1, watchdogCount(t, s, "core.watchdog.job.giveup"))
	assert.Equal(t, 1, watchdogCount(t, s, "core.watchdog.job.stuck"))

	// a job that leaves running and comes back is judged afresh
	require.NoError(t, s.MarkQueued("j1", ""))
	require.NoError(t, wd.Tick())
	_, err := s.PopNext()
	require.NoError(t, err)
	require.NoError(t, wd.Tick())
	assert.Equal(t, 2, watchdogCount(t, s, "core.watchdog.job.giveup"))
}

func TestJobWatchdogActions(t *testing.T) {
	t.Run("fail", func(t *testing.T) {
		s, t0 := stuckJob(t)
		cfg := DefaultWatchdogConfig()
		cfg.Action = WatchdogFail
		wd := NewJobWatchdog(s, s, cfg, nil)
		wd.SetClock(func() time.Time { return t0.Add(time.Hour) })

		require.NoError(t, wd.Tick())
		job, err := s.GetJob("j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, 1, watchdogCount(t, s, "core.watchdog.job.failed"))
	})

	t.Run("none", func(t *testing.T) {
		s, t0 := stuckJob(t)
		cfg := DefaultWatchdogConfig()
		cfg.Action = WatchdogNone
		wd := NewJobWatchdog(s, s, cfg, nil)
		wd.SetClock(func() time.Time { return t0.Add(time.Hour) })

		require.NoError(t, wd.Tick())
		job, err := s.GetJob("j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.Equal(t, 1, watchdogCount(t, s, "core.watchdog.job.stuck"))
	})

	t.Run("giveup", func(t *testing.T) {
		s, t0 := stuckJob(t)
		cfg := DefaultWatchdogConfig()
		cfg.MaxResets = 0
		wd := NewJobWatchdog(s, s, cfg, nil)
		wd.SetClock(func() time.Time { return t0.Add(time.Hour) })

		require.NoError(t, wd.Tick())
		assert.Equal(t, 1, watchdogCount(t, s, "core.watchdog.job.giveup"))
	})

	t.Run("disabled", func(t *testing.T) {
		s, t0 := stuckJob(t)
		cfg := DefaultWatchdogConfig()
		cfg.Enabled = false
		wd := NewJobWatchdog(s, s, cfg, nil)
		wd.SetClock(func() time.Time { return t0.Add(time.Hour) })

		require.NoError(t, wd.Tick())
		assert.Equal(t, 0, watchdogCount(t, s, "core.watchdog."))
	})
}

type countingMaint struct{ events, jobs int }

func (m *countingMaint) PruneEvents(int, int) (int64, error) { m.events++; return 0, nil }
func (m *countingMaint) PruneJobs(int, int) (int64, error)   { m.jobs++; return 0, nil }

func TestDaemonSchedulesMaintenance(t *testing.T) {
	f := newFixture(t)
	maint := &countingMaint{}
	d := NewDaemon(f.core, nil, maint, DaemonConfig{PruneEvery: time.Hour}, nil)

	ctx := context.Background()
	now := time.Now()
	d.Step(ctx, now)
	d.Step(ctx, now.Add(time.Minute))
	assert.Equal(t, 1, maint.events)
	assert.Equal(t, 1, maint.jobs)

	d.Step(ctx, now.Add(2*time.Hour))
	assert.Equal(t, 2, maint.events)
	assert.Equal(t, 2, f.count(t, "core.retention.pruned"))
}
