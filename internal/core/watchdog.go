package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/reconpi/internal/models"
)

// Watchdog actions.
const (
	WatchdogReset = "reset"
	WatchdogFail  = "fail"
	WatchdogNone  = "none"
)

// watchdogTopic prefixes the watchdog's own events, which never count as job
// progress.
const watchdogTopic = "core.watchdog."

// WatchdogConfig configures the job watchdog.
type WatchdogConfig struct {
	Enabled    bool
	MinRuntime time.Duration
	StuckAfter time.Duration
	Action     string
	MaxResets  int
}

// DefaultWatchdogConfig returns the default job watchdog configuration.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Enabled:    true,
		MinRuntime: 30 * time.Second,
		StuckAfter: 900 * time.Second,
		Action:     WatchdogReset,
		MaxResets:  3,
	}
}

// JobStore is the job subset the watchdog needs.
type JobStore interface {
	ListJobs(status models.JobStatus, limit int) ([]models.Job, error)
	ResetRunning(id string) (bool, error)
	MarkFailed(id, note string) error
	LastJobEvent(jobID string, skipPrefixes ...string) (*models.Event, error)
}

// ResetObserver counts watchdog resets.
type ResetObserver interface {
	WatchdogReset(source string)
}

// JobWatchdog reclaims running jobs of any kind that stopped emitting events.
// Tick runs on one goroutine; SetConfig may be called from any.
type JobWatchdog struct {
	bus      Bus
	jobs     JobStore
	logger   *slog.Logger
	now      func() time.Time
	observer ResetObserver

	cfgMu sync.RWMutex
	cfg   WatchdogConfig

	resets map[string]int
	// gaveUp holds running jobs whose giveup event was already published.
	gaveUp map[string]bool
}

// NewJobWatchdog creates a job watchdog. logger may be nil.
func NewJobWatchdog(bus Bus, jobs JobStore, cfg WatchdogConfig, logger *slog.Logger) *JobWatchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobWatchdog{
		bus: bus, jobs: jobs, cfg: cfg, logger: logger, now: time.Now,
		resets: make(map[string]int), gaveUp: make(map[string]bool),
	}
}

// SetConfig swaps the configuration used by subsequent ticks.
func (w *JobWatchdog) SetConfig(cfg WatchdogConfig) {
	w.cfgMu.Lock()
	w.cfg = cfg
	w.cfgMu.Unlock()
}

func (w *JobWatchdog) config() WatchdogConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// SetClock overrides the time source.
func (w *JobWatchdog) SetClock(now func() time.Time) { w.now = now }

// SetObserver installs a reset observer.
func (w *JobWatchdog) SetObserver(o ResetObserver) { w.observer = o }

// Tick inspects running jobs once. A job's idle time runs from its newest
// event, or from its claim when it has none.
func (w *JobWatchdog) Tick() error {
	cfg := w.config()
	if !cfg.Enabled {
		return nil
	}
	running, err := w.jobs.ListJobs(models.JobStatusRunning, 100)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	w.forgetGiveups(running)

	now := w.now()
	for _, job := range running {
		runtime := now.Sub(job.UpdatedAt)
		if runtime < cfg.MinRuntime || w.gaveUp[job.ID] {
			continue
		}
		idle := runtime
		last, err := w.jobs.LastJobEvent(job.ID, watchdogTopic)
		if err != nil {
			return fmt.Errorf("last job event: %w", err)
		}
		if last != nil && last.TS.After(job.UpdatedAt) {
			idle = now.Sub(last.TS)
		}
		if idle < cfg.StuckAfter {
			continue
		}

		resets := w.resets[job.ID]
		w.publish("core.watchdog.job.stuck", map[string]interface{}{
			"job_id": job.ID, "idle_sec": int(idle.Seconds()), "runtime_sec": int(runtime.Seconds()), "resets": resets,
		})

		switch {
		case cfg.Action == WatchdogNone:
		case resets >= cfg.MaxResets:
			w.gaveUp[job.ID] = true
			w.publish("core.watchdog.job.giveup", map[string]interface{}{"job_id": job.ID, "resets": resets})
		case cfg.Action == WatchdogReset:
			ok, err := w.jobs.ResetRunning(job.ID)
			if err != nil {
				return fmt.Errorf("reset job: %w", err)
			}
			if ok {
				w.resets[job.ID] = resets + 1
				if w.observer != nil {
					w.observer.WatchdogReset("core")
				}
				w.publish("core.watchdog.job.reset", map[string]interface{}{"job_id": job.ID, "resets": resets + 1})
			}
		case cfg.Action == WatchdogFail:
			if err := w.jobs.MarkFailed(job.ID, "watchdog: stuck"); err != nil {
				return fmt.Errorf("fail job: %w", err)
			}
			delete(w.resets, job.ID)
			w.publish("core.watchdog.job.failed", map[string]interface{}{"job_id": job.ID})
		}
	}
	return nil
}

// forgetGiveups drops give-up marks for jobs that are no longer running.
func (w *JobWatchdog) forgetGiveups(running []models.Job) {
	if len(w.gaveUp) == 0 {
		return
	}
	live := make(map[string]bool, len(running))
	for _, job := range running {
		live[job.ID] = true
	}
	for id := range w.gaveUp {
		if !live[id] {
			delete(w.gaveUp, id)
		}
	}
}

func (w *JobWatchdog) publish(topic string, payload map[string]interface{}) {
	if _, err := w.bus.Publish(topic, payload); err != nil {
		w.logger.Error("publish failed", "topic", topic, "error", err)
	}
}
