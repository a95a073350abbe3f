// Package planrunner executes the steps of a plan in order through the
// action gate and records the outcome.
package planrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/planner"
	"github.com/fentz26/reconpi/internal/stages"
)

// KindRun is the artifact kind run records are stored under.
const KindRun = "plan_run"

// Publisher appends events to the event log.
type Publisher interface {
	Publish(topic string, payload map[string]interface{}) (*models.Event, error)
}

// Artifacts stores run records and stage requests.
type Artifacts interface {
	stages.Store
}

// RunOptions controls one Run.
type RunOptions struct {
	Mode           models.Mode
	JobID          string
	PlanArtifactID string
	// StartStep is the 1-based index of the first step to execute.
	StartStep int
	// ApprovedStep marks one 1-based step as human approved.
	ApprovedStep int
}

// StepRecord is one flattened step outcome.
type StepRecord struct {
	Index      int                    `json:"index"`
	ActionID   string                 `json:"action_id"`
	Outcome    string                 `json:"outcome"`
	OK         bool                   `json:"ok"`
	ArtifactID string                 `json:"artifact_id,omitempty"`
	Summary    string                 `json:"summary"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Record is the persisted result of a run.
type Record struct {
	PlanID         string       `json:"plan_id"`
	PlanArtifactID string       `json:"plan_artifact_id,omitempty"`
	JobID          string       `json:"job_id,omitempty"`
	Scope          string       `json:"scope"`
	Mode           models.Mode  `json:"mode"`
	StartStep      int          `json:"start_step"`
	Steps          []StepRecord `json:"steps"`
	DurationSec    float64      `json:"duration_s"`
	OK             bool         `json:"ok"`
	TS             time.Time    `json:"ts"`
	ArtifactID     string       `json:"-"`

	// Stage is set when the run stopped at a step awaiting approval.
	Stage *models.StageRequest `json:"stage,omitempty"`
}

// Staged reports whether the run stopped for approval.
func (r *Record) Staged() bool { return r.Stage != nil }

// Runner runs plans.
type Runner struct {
	actions   *actions.Runner
	bus       Publisher
	artifacts Artifacts
	book      *stages.Book
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a plan runner. logger may be nil.
func New(ar *actions.Runner, bus Publisher, artifacts Artifacts, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		actions:   ar,
		bus:       bus,
		artifacts: artifacts,
		book:      stages.NewBook(artifacts),
		logger:    logger,
		now:       time.Now,
	}
}

// ActionMode maps a plan mode onto the execution mode its steps run under.
func ActionMode(planMode string) models.Mode {
	switch planMode {
	case planner.ModeAutonomousSafe:
		return models.ModeAutonomous
	case string(models.ModeManual):
		return models.ModeManual
	case string(models.ModeAutonomous):
		return models.ModeAutonomous
	}
	return models.ModeAI
}

// Run executes plan's steps strictly in order. Unknown actions fail their
// step and the run continues. A step that requires approval is persisted as
// a stage request and stops the run. Errors are returned only for storage
// faults.
func (r *Runner) Run(ctx context.Context, plan *models.Plan, opts RunOptions) (*Record, error) {
	if opts.Mode == "" {
		opts.Mode = ActionMode(plan.Mode)
	}
	if opts.StartStep < 1 {
		opts.StartStep = 1
	}
	start := r.now()

	rec := &Record{
		PlanID:         plan.ID,
		PlanArtifactID: opts.PlanArtifactID,
		JobID:          opts.JobID,
		Scope:          plan.Scope,
		Mode:           opts.Mode,
		StartStep:      opts.StartStep,
		Steps:          []StepRecord{},
	}

	r.publish("plan.started", map[string]interface{}{
		"id": plan.ID, "mode": string(opts.Mode), "job_id": opts.JobID, "start_step": opts.StartStep,
	})
	if opts.JobID != "" {
		r.publish("ai.plan.started", map[string]interface{}{"plan_id": plan.ID, "job_id": opts.JobID})
	}

	for i, step := range plan.Steps {
		index := i + 1
		if index < opts.StartStep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run plan %s: %w", plan.ID, err)
		}

		r.progress("ai.action.started", opts.JobID, map[string]interface{}{
			"plan_id": plan.ID, "step_index": index, "action_id": step.ActionID,
		})

		out, err := r.actions.Run(ctx, step.ActionID, actions.Request{
			Payload:   step.Payload,
			Mode:      opts.Mode,
			Approved:  index == opts.ApprovedStep,
			JobID:     opts.JobID,
			PlanID:    plan.ID,
			StepIndex: index,
		})
		if err != nil && !errors.Is(err, actions.ErrUnknownAction) {
			return nil, fmt.Errorf("run step %d: %w", index, err)
		}

		sr := StepRecord{
			Index:      index,
			ActionID:   step.ActionID,
			Outcome:    out.Kind.String(),
			OK:         out.Kind == actions.Executed && out.Result.OK,
			ArtifactID: out.Result.ArtifactID,
			Summary:    out.Result.Summary,
			Meta:       out.Result.Meta,
		}
		rec.Steps = append(rec.Steps, sr)

		r.progress("ai.action.done", opts.JobID, map[string]interface{}{
			"plan_id": plan.ID, "step_index": index, "action_id": step.ActionID,
			"ok": sr.OK, "reason": out.Result.Reason(),
		})

		if out.Kind == actions.StageRequired && out.Stage != nil {
			stored, err := r.book.Request(*out.Stage)
			if err != nil {
				return nil, err
			}
			rec.Stage = &stored
			r.publish("ai.stage.requested", map[string]interface{}{
				"request_id": stored.ID, "job_id": opts.JobID, "plan_id": plan.ID,
				"step_index": index, "action_id": step.ActionID, "risk": stored.Risk,
			})
			break
		}
	}

	rec.OK = rec.Stage == nil
	for _, s := range rec.Steps {
		if !s.OK {
			rec.OK = false
		}
	}
	rec.DurationSec = r.now().Sub(start).Seconds()
	rec.TS = r.now().UTC()

	id, err := r.artifacts.PutJSON(KindRun, "run "+plan.ID, rec)
	if err != nil {
		return nil, fmt.Errorf("store run record: %w", err)
	}
	rec.ArtifactID = id

	r.publish("plan.finished", map[string]interface{}{
		"id": plan.ID, "artifact_id": id, "ok": rec.OK, "staged": rec.Staged(), "job_id": opts.JobID,
	})
	r.logger.Info("plan finished", "plan", plan.ID, "job", opts.JobID, "ok", rec.OK, "steps", len(rec.Steps))
	return rec, nil
}

// progress publishes an ai.* event that refreshes the worker watchdog.
func (r *Runner) progress(topic, jobID string, payload map[string]interface{}) {
	if jobID == "" {
		return
	}
	payload["job_id"] = jobID
	r.publish(topic, payload)
}

func (r *Runner) publish(topic string, payload map[string]interface{}) {
	if _, err := r.bus.Publish(topic, payload); err != nil {
		r.logger.Error("publish failed", "topic", topic, "error", err)
	}
}
