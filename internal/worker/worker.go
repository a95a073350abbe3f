// Package worker runs queued ai_plan jobs in a single background loop.
//
// Each iteration publishes a heartbeat, refreshes per-job progress from
// recent ai.* events, resets running jobs that stopped making progress,
// requeues blocked jobs whose stage was approved and then runs the oldest
// queued job. All loop state is owned by the loop goroutine.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/planner"
	"github.com/fentz26/reconpi/internal/planrunner"
	"github.com/fentz26/reconpi/internal/stages"
)

// progressWindow is how many recent ai.* events are scanned per iteration.
const progressWindow = 100

// Store is the persistence the worker needs.
type Store interface {
	stages.Store
	Publish(topic string, payload map[string]interface{}) (*models.Event, error)
	Tail(limit int, topicPrefix string) ([]models.Event, error)
	ListJobs(status models.JobStatus, limit int) ([]models.Job, error)
	PopNextKind(prefixes ...string) (*models.Job, error)
	ResetRunning(id string) (bool, error)
	MarkDone(id string) error
	MarkFailed(id, note string) error
	MarkBlocked(id, note string) error
	MarkQueued(id, note string) error
}

// Generator produces plans for run requests without a stored plan.
type Generator interface {
	Generate(req planner.Request) (*models.Plan, string, error)
}

// PlanRunner executes plans.
type PlanRunner interface {
	Run(ctx context.Context, plan *models.Plan, opts planrunner.RunOptions) (*planrunner.Record, error)
}

// Observer is told about loop activity, typically to update metrics.
type Observer interface {
	WorkerTick()
	WorkerError()
	WatchdogReset(source string)
}

// Worker is the background job loop.
type Worker struct {
	store   Store
	planner Generator
	runner  PlanRunner
	book    *stages.Book
	logger  *slog.Logger
	now     func() time.Time

	cfgMu    sync.RWMutex
	cfg      Config
	observer Observer

	// owned by the loop goroutine
	progress map[string]time.Time
	resets   map[string]int

	ticks  atomic.Int64
	errors atomic.Int64
	ran    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker. logger may be nil.
func New(s Store, gen Generator, runner PlanRunner, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:    s,
		planner:  gen,
		runner:   runner,
		book:     stages.NewBook(s),
		logger:   logger,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		progress: make(map[string]time.Time),
		resets:   make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock overrides the time source. Call before Start.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// SetObserver installs an activity observer.
func (w *Worker) SetObserver(o Observer) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	w.observer = o
}

// SetConfig swaps the loop configuration; it applies from the next iteration.
func (w *Worker) SetConfig(cfg Config) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	w.cfg = cfg.withDefaults()
}

func (w *Worker) config() (Config, Observer) {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg, w.observer
}

// Start begins the worker loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("worker started")
}

// Stop cancels the loop and waits for the current iteration to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		worked := w.RunOnce(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if worked {
			continue
		}
		cfg, _ := w.config()
		timer := time.NewTimer(cfg.PollInterval)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce performs one iteration and reports whether a job was processed.
// It never panics; faults are published as ai.worker.error.
func (w *Worker) RunOnce(ctx context.Context) (worked bool) {
	cfg, obs := w.config()
	w.ticks.Add(1)
	if obs != nil {
		obs.WorkerTick()
	}

	defer func() {
		if p := recover(); p != nil {
			w.fault(obs, fmt.Errorf("panic: %v", p))
			worked = false
		}
	}()

	w.publish("ai.worker.tick", map[string]interface{}{"ts": float64(w.now().UnixNano()) / 1e9})

	if err := w.refreshProgress(); err != nil {
		w.fault(obs, err)
		return false
	}
	if err := w.watchdog(cfg, obs); err != nil {
		w.fault(obs, err)
		return false
	}
	if err := w.unblockApproved(); err != nil {
		w.fault(obs, err)
		return false
	}
	worked, err := w.processNext(ctx, cfg)
	if err != nil {
		w.fault(obs, err)
	}
	return worked
}

// refreshProgress records the newest progress timestamp per job.
func (w *Worker) refreshProgress() error {
	events, err := w.store.Tail(progressWindow, "ai.")
	if err != nil {
		return fmt.Errorf("tail progress: %w", err)
	}
	for _, ev := range events {
		switch ev.Topic {
		case "ai.action.started", "ai.action.done", "ai.plan.started":
		default:
			continue
		}
		jobID, _ := ev.Payload["job_id"].(string)
		if jobID == "" {
			continue
		}
		if ev.TS.After(w.progress[jobID]) {
			w.progress[jobID] = ev.TS
		}
	}
	return nil
}

// watchdog resets running ai_plan jobs whose last progress is older than
// the threshold. A job reset more than MaxResets times is failed instead.
func (w *Worker) watchdog(cfg Config, obs Observer) error {
	running, err := w.store.ListJobs(models.JobStatusRunning, 200)
	if err != nil {
		return fmt.Errorf("list running: %w", err)
	}
	now := w.now()
	for _, job := range running {
		if job.Kind != JobKind {
			continue
		}
		last := job.UpdatedAt
		if p, ok := w.progress[job.ID]; ok && p.After(last) {
			last = p
		}
		age := now.Sub(last)
		if age <= cfg.WatchdogAfter {
			continue
		}

		if w.resets[job.ID] >= cfg.MaxResets {
			if err := w.store.MarkFailed(job.ID, "watchdog gave up"); err != nil {
				return fmt.Errorf("fail stuck job: %w", err)
			}
			delete(w.progress, job.ID)
			delete(w.resets, job.ID)
			w.publish("ai.worker.watchdog.giveup", map[string]interface{}{
				"job_id": job.ID, "resets": cfg.MaxResets, "age_s": age.Seconds(),
			})
			continue
		}

		ok, err := w.store.ResetRunning(job.ID)
		if err != nil {
			return fmt.Errorf("reset stuck job: %w", err)
		}
		if ok {
			w.resets[job.ID]++
			if obs != nil {
				obs.WatchdogReset("worker")
			}
		}
		delete(w.progress, job.ID)
		w.publish("ai.worker.watchdog.reset", map[string]interface{}{
			"job_id": job.ID, "ok": ok, "age_s": age.Seconds(),
		})
		w.logger.Warn("watchdog reset", "job", job.ID, "age", age, "ok", ok)
	}
	return nil
}

// unblockApproved requeues blocked ai_plan jobs that have an approved stage.
func (w *Worker) unblockApproved() error {
	blocked, err := w.store.ListJobs(models.JobStatusBlocked, 100)
	if err != nil {
		return fmt.Errorf("list blocked: %w", err)
	}
	for _, job := range blocked {
		if job.Kind != JobKind {
			continue
		}
		// only the stage the job is currently parked on can release it
		reqID := stages.StageRequestID(job.Note)
		if reqID == "" {
			continue
		}
		a, err := w.book.Approval(reqID)
		if err != nil {
			return err
		}
		if a == nil {
			continue
		}
		req, err := w.book.Get(reqID)
		if err != nil {
			return err
		}
		if req == nil || req.JobID != job.ID {
			continue
		}
		if err := w.store.MarkQueued(job.ID, stages.ResumeNote(req.StepIndex, reqID)); err != nil {
			return fmt.Errorf("requeue approved job: %w", err)
		}
		w.publish("ai.worker.job.unblocked", map[string]interface{}{
			"job_id": job.ID, "stage_req": reqID, "resume_from": req.StepIndex,
		})
	}
	return nil
}

// processNext runs the oldest queued ai_plan job.
func (w *Worker) processNext(ctx context.Context, cfg Config) (bool, error) {
	job, err := w.store.PopNextKind(JobKind)
	if err != nil {
		return false, fmt.Errorf("pop job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.progress[job.ID] = w.now()
	defer delete(w.progress, job.ID)

	reqID := stages.RequestID(job.Note)
	if reqID == "" {
		return true, w.failJob(job.ID, "ai.worker.job_failed", "missing run request")
	}
	var rr RunRequest
	ok, err := w.store.GetJSON(reqID, &rr)
	if err != nil {
		return true, fmt.Errorf("load run request: %w", err)
	}
	if !ok {
		return true, w.failJob(job.ID, "ai.worker.job_failed", "run request not found")
	}
	w.publish("ai.worker.dequeue", map[string]interface{}{"job_id": job.ID, "req_id": reqID})

	if pinned := stages.PlanID(job.Note); pinned != "" {
		rr.PlanArtifactID = pinned
	}
	plan, planArtifactID, err := w.resolvePlan(cfg, rr)
	if err != nil {
		return true, err
	}
	if plan == nil {
		return true, w.failJob(job.ID, "ai.worker.plan_missing", "plan artifact not found")
	}

	start := stages.ResumeFrom(job.Note)
	if start < 1 {
		start = 1
	}
	approved := 0
	if id := stages.StageRequestID(job.Note); id != "" {
		a, err := w.book.Approval(id)
		if err != nil {
			return true, err
		}
		if a != nil {
			approved = start
		}
	}

	w.publish("ai.worker.run.start", map[string]interface{}{
		"plan_id": plan.ID, "plan_artifact_id": planArtifactID, "job_id": job.ID, "start_step": start,
	})
	rec, err := w.runner.Run(ctx, plan, planrunner.RunOptions{
		Mode:           planrunner.ActionMode(plan.Mode),
		JobID:          job.ID,
		PlanArtifactID: planArtifactID,
		StartStep:      start,
		ApprovedStep:   approved,
	})
	if err != nil {
		if ferr := w.store.MarkFailed(job.ID, err.Error()); ferr != nil {
			return true, fmt.Errorf("fail job: %w", ferr)
		}
		return true, fmt.Errorf("run plan: %w", err)
	}
	w.ran.Add(1)
	w.publish("ai.worker.run.end", map[string]interface{}{
		"plan_id": plan.ID, "plan_artifact_id": planArtifactID, "job_id": job.ID,
		"ok": rec.OK, "staged": rec.Staged(), "run_artifact_id": rec.ArtifactID,
	})

	switch {
	case rec.Staged():
		err = w.store.MarkBlocked(job.ID, stages.BlockedNote(rec.Stage.StepIndex, rec.Stage.ID, planArtifactID))
	case rec.OK:
		err = w.store.MarkDone(job.ID)
		delete(w.resets, job.ID)
	default:
		err = w.store.MarkFailed(job.ID, "plan run failed")
		delete(w.resets, job.ID)
	}
	if err != nil {
		return true, fmt.Errorf("finish job: %w", err)
	}
	return true, nil
}

func (w *Worker) resolvePlan(cfg Config, rr RunRequest) (*models.Plan, string, error) {
	if rr.PlanArtifactID != "" {
		var plan models.Plan
		ok, err := w.store.GetJSON(rr.PlanArtifactID, &plan)
		if err != nil {
			return nil, "", fmt.Errorf("load plan: %w", err)
		}
		if !ok || plan.ID == "" {
			return nil, "", nil
		}
		return &plan, rr.PlanArtifactID, nil
	}

	scope := rr.Scope
	if scope == "" {
		scope = cfg.DefaultScope
	}
	plan, id, err := w.planner.Generate(planner.Request{
		Scope:             scope,
		Mode:              cfg.PlanMode,
		Note:              rr.Note,
		IncludeVulnAssess: rr.IncludeVulnAssess,
		Seed:              rr.Seed,
	})
	if err != nil {
		return nil, "", fmt.Errorf("generate plan: %w", err)
	}
	return plan, id, nil
}

func (w *Worker) failJob(id, topic, reason string) error {
	if err := w.store.MarkFailed(id, reason); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	w.publish(topic, map[string]interface{}{"job_id": id, "reason": reason})
	return nil
}

func (w *Worker) fault(obs Observer, err error) {
	w.errors.Add(1)
	if obs != nil {
		obs.WorkerError()
	}
	w.logger.Error("worker iteration failed", "error", err)
	w.publish("ai.worker.error", map[string]interface{}{
		"error": err.Error(), "ts": float64(w.now().UnixNano()) / 1e9,
	})
}

func (w *Worker) publish(topic string, payload map[string]interface{}) {
	if _, err := w.store.Publish(topic, payload); err != nil {
		w.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

// GetStats returns loop counters.
func (w *Worker) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"ticks":    w.ticks.Load(),
		"errors":   w.errors.Load(),
		"jobs_run": w.ran.Load(),
	}
}
