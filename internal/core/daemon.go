package core

import (
	"context"
	"log/slog"
	"time"
)

// Maintenance prunes old rows.
type Maintenance interface {
	PruneEvents(keepLast, olderThanDays int) (int64, error)
	PruneJobs(keepLast, olderThanDays int) (int64, error)
}

// Retention bounds how much history is kept.
type Retention struct {
	EventsKeepLast      int
	EventsOlderThanDays int
	JobsKeepLast        int
	JobsOlderThanDays   int
}

// DefaultRetention returns the default retention.
func DefaultRetention() Retention {
	return Retention{EventsKeepLast: 5000, EventsOlderThanDays: 30, JobsKeepLast: 1000, JobsOlderThanDays: 14}
}

// DaemonConfig configures the core tick loop.
type DaemonConfig struct {
	TickInterval  time.Duration
	PruneEvery    time.Duration
	WatchdogEvery time.Duration
	Retention     Retention
}

// Daemon is the long-lived context the core tick loop runs in. It carries
// the timers for periodic maintenance.
type Daemon struct {
	core     *Core
	watchdog *JobWatchdog
	maint    Maintenance
	cfg      DaemonConfig
	logger   *slog.Logger

	lastPrune    time.Time
	lastWatchdog time.Time
}

// NewDaemon creates the tick loop context. watchdog and maint may be nil.
func NewDaemon(c *Core, watchdog *JobWatchdog, maint Maintenance, cfg DaemonConfig, logger *slog.Logger) *Daemon {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = time.Hour
	}
	if cfg.WatchdogEvery <= 0 {
		cfg.WatchdogEvery = 30 * time.Second
	}
	if cfg.Retention == (Retention{}) {
		cfg.Retention = DefaultRetention()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{core: c, watchdog: watchdog, maint: maint, cfg: cfg, logger: logger}
}

// Run ticks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Step(ctx, now)
		}
	}
}

// Step runs one tick at now. Failures are logged; the loop keeps going.
func (d *Daemon) Step(ctx context.Context, now time.Time) {
	if err := d.core.Tick(ctx); err != nil {
		d.logger.Error("core tick failed", "error", err)
	}

	if d.watchdog != nil && now.Sub(d.lastWatchdog) >= d.cfg.WatchdogEvery {
		d.lastWatchdog = now
		if err := d.watchdog.Tick(); err != nil {
			d.logger.Error("job watchdog failed", "error", err)
		}
	}

	if d.maint != nil && now.Sub(d.lastPrune) >= d.cfg.PruneEvery {
		d.lastPrune = now
		d.prune()
	}
}

func (d *Daemon) prune() {
	r := d.cfg.Retention
	events, err := d.maint.PruneEvents(r.EventsKeepLast, r.EventsOlderThanDays)
	if err != nil {
		d.logger.Error("prune events failed", "error", err)
		return
	}
	jobs, err := d.maint.PruneJobs(r.JobsKeepLast, r.JobsOlderThanDays)
	if err != nil {
		d.logger.Error("prune jobs failed", "error", err)
		return
	}
	d.core.publish("core.retention.pruned", map[string]interface{}{"events": events, "jobs": jobs})
}
