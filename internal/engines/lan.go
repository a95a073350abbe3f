package engines

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/stages"
)

// LanJobPrefix is the kind prefix of jobs the LAN engine claims. The rest
// of the kind is the action id, e.g. "lan.net.port_scan".
const LanJobPrefix = "lan."

// LanStore is the job subset the LAN engine needs.
type LanStore interface {
	Publisher
	PopNextKind(prefixes ...string) (*models.Job, error)
	MarkDone(id string) error
	MarkFailed(id, note string) error
	MarkBlocked(id, note string) error
}

// StageBook persists stage requests and resolves their approvals.
type StageBook interface {
	Request(req models.StageRequest) (models.StageRequest, error)
	Get(id string) (*models.StageRequest, error)
	Approval(requestID string) (*models.StageApproval, error)
}

// LanConfig configures the LAN engine.
type LanConfig struct {
	Enabled bool
	// SafeMode runs jobs in ai mode so risky actions wait for a stage
	// approval instead of running on operator authority.
	SafeMode       bool
	MaxJobsPerTick int
}

// DefaultLanConfig returns the default LAN configuration.
func DefaultLanConfig() LanConfig {
	return LanConfig{Enabled: true, SafeMode: true, MaxJobsPerTick: 1}
}

// Lan runs lan.* jobs while the core is in LAN_OPS.
type Lan struct {
	store  LanStore
	runner ActionRunner
	logger *slog.Logger

	mu        sync.Mutex
	cfg       LanConfig
	book      StageBook
	running   bool
	busy      bool
	processed int
	lastErr   string
}

// NewLan creates a stopped LAN engine. logger may be nil.
func NewLan(s LanStore, runner ActionRunner, cfg LanConfig, logger *slog.Logger) *Lan {
	if cfg.MaxJobsPerTick <= 0 {
		cfg.MaxJobsPerTick = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lan{store: s, runner: runner, cfg: cfg, logger: logger}
}

// Name implements core.Engine.
func (l *Lan) Name() string { return "lan" }

// SetConfig swaps the configuration.
func (l *Lan) SetConfig(cfg LanConfig) {
	if cfg.MaxJobsPerTick <= 0 {
		cfg.MaxJobsPerTick = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// SetStages wires the stage book. Without one, jobs that need approval fail.
func (l *Lan) SetStages(b StageBook) {
	l.mu.Lock()
	l.book = b
	l.mu.Unlock()
}

// Start is idempotent.
func (l *Lan) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	safe := l.cfg.SafeMode
	l.mu.Unlock()
	l.publish("lan.engine.started", map[string]interface{}{"safe_mode": safe})
}

// Stop is idempotent.
func (l *Lan) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()
	l.publish("lan.engine.stopped", map[string]interface{}{})
}

// Tick claims and runs up to MaxJobsPerTick lan.* jobs. When the queue
// drains after work was done it publishes lan.done. A tick without errors
// clears the last reported error.
func (l *Lan) Tick(ctx context.Context) {
	l.mu.Lock()
	running, cfg, book := l.running, l.cfg, l.book
	l.mu.Unlock()
	if !running || !cfg.Enabled {
		return
	}

	for i := 0; i < cfg.MaxJobsPerTick; i++ {
		job, err := l.store.PopNextKind(LanJobPrefix)
		if err != nil {
			l.setErr(fmt.Errorf("pop lan job: %w", err))
			return
		}
		if job == nil {
			l.drained()
			l.clearErr()
			return
		}
		if err := l.runJob(ctx, cfg, book, job); err != nil {
			l.setErr(err)
			return
		}
	}
	l.clearErr()
}

func (l *Lan) runJob(ctx context.Context, cfg LanConfig, book StageBook, job *models.Job) error {
	l.mu.Lock()
	l.busy = true
	l.mu.Unlock()

	actionID := strings.TrimPrefix(job.Kind, LanJobPrefix)
	l.publish("lan.job.started", map[string]interface{}{
		"id": job.ID, "job_id": job.ID, "kind": job.Kind, "scope": job.Scope, "action_id": actionID,
	})

	mode := models.ModeManual
	if cfg.SafeMode {
		mode = models.ModeAI
	}
	payload := map[string]interface{}{}
	if job.Scope != "" {
		payload["target"] = job.Scope
	}
	req := actions.Request{Payload: payload, Mode: mode, JobID: job.ID, StepIndex: 1}
	if book != nil {
		approved, err := approvedFor(book, job, actionID)
		if err != nil {
			l.logger.Warn("stage approval lookup failed", "job_id", job.ID, "error", err)
		}
		req.Approved = approved
	}

	out, _ := l.runner.Run(ctx, actionID, req)
	ok := out.Kind == actions.Executed && out.Result.OK

	var requestID string
	var err error
	switch {
	case ok:
		err = l.store.MarkDone(job.ID)
	case out.Kind == actions.StageRequired && out.Stage != nil && book != nil:
		requestID, err = l.block(book, job, *out.Stage)
	default:
		reason := out.Result.Reason()
		if out.Kind == actions.StageRequired {
			reason = actions.ReasonStageRequired
		}
		err = l.store.MarkFailed(job.ID, "lan: "+reason)
	}

	l.mu.Lock()
	l.processed++
	l.mu.Unlock()

	ev := map[string]interface{}{
		"id": job.ID, "job_id": job.ID, "ok": ok, "outcome": out.Kind.String(),
		"artifact_id": out.Result.ArtifactID, "summary": out.Result.Summary, "reason": out.Result.Reason(),
	}
	if requestID != "" {
		ev["request_id"] = requestID
	}
	l.publish("lan.job.finished", ev)

	if err != nil {
		return fmt.Errorf("finish lan job: %w", err)
	}
	return nil
}

// block persists the stage request and parks the job until approval
// requeues it. A request that cannot be stored fails the job.
func (l *Lan) block(book StageBook, job *models.Job, stage models.StageRequest) (string, error) {
	saved, err := book.Request(stage)
	if err != nil {
		if ferr := l.store.MarkFailed(job.ID, "lan: "+actions.ReasonStageRequired); ferr != nil {
			return "", ferr
		}
		return "", err
	}
	if err := l.store.MarkBlocked(job.ID, stages.BlockedNote(saved.StepIndex, saved.ID, "")); err != nil {
		return saved.ID, err
	}
	l.publish("lan.job.blocked", map[string]interface{}{
		"id": job.ID, "job_id": job.ID, "request_id": saved.ID, "action_id": saved.ActionID,
	})
	return saved.ID, nil
}

// approvedFor reports whether the job's stage_req marker names an approved
// request for this job and action.
func approvedFor(book StageBook, job *models.Job, actionID string) (bool, error) {
	id := stages.StageRequestID(job.Note)
	if id == "" {
		return false, nil
	}
	req, err := book.Get(id)
	if err != nil || req == nil {
		return false, err
	}
	if req.JobID != job.ID || req.ActionID != actionID {
		return false, nil
	}
	a, err := book.Approval(id)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

func (l *Lan) drained() {
	l.mu.Lock()
	wasBusy := l.busy
	l.busy = false
	processed := l.processed
	l.mu.Unlock()
	if wasBusy {
		l.publish("lan.done", map[string]interface{}{"processed": processed})
	}
}

func (l *Lan) setErr(err error) {
	l.logger.Error("lan engine", "error", err)
	l.mu.Lock()
	l.lastErr = err.Error()
	l.mu.Unlock()
}

func (l *Lan) clearErr() {
	l.mu.Lock()
	l.lastErr = ""
	l.mu.Unlock()
}

// Health implements core.Engine.
func (l *Lan) Health() models.EngineHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := models.EngineHealth{Name: l.Name(), TS: time.Now().UTC()}
	switch {
	case !l.cfg.Enabled:
		h.OK, h.Detail = true, "disabled"
	case !l.running:
		h.OK, h.Detail = true, "stopped"
	case l.lastErr != "":
		h.OK, h.Detail = false, l.lastErr
	default:
		h.OK, h.Detail = true, fmt.Sprintf("running processed=%d busy=%t", l.processed, l.busy)
	}
	return h
}

func (l *Lan) publish(topic string, payload map[string]interface{}) {
	if _, err := l.store.Publish(topic, payload); err != nil {
		l.logger.Error("publish failed", "topic", topic, "error", err)
	}
}
