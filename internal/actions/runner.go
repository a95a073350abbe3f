package actions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fentz26/reconpi/internal/connectors"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/policy"
)

// Gate reason codes. They appear in result meta and in action.blocked events.
const (
	ReasonCategoryBlocked      = policy.ReasonCategoryBlocked
	ReasonAutonomousNotAllowed = policy.ReasonAutonomousNotAllowed
	ReasonScopeNotAllowed      = policy.ReasonScopeNotAllowed
	ReasonConfirmationRequired = "confirmation_required"
	ReasonToolNotAllowed       = policy.ReasonToolNotAllowed
	ReasonStageRequired        = "stage_required"
	ReasonUnknownAction        = "unknown_action"
	ReasonUnknownDriver        = "unknown_driver"
	ReasonBadTemplate          = "bad_template"
	ReasonTimeout              = "timeout"
	ReasonExecError            = "exec_error"
	ReasonBuiltinError         = "builtin_error"
)

// StageReason is the human-facing reason stored on a StageRequest.
const StageReason = "Action requires approval"

// Artifact kinds written by the runner.
const (
	KindActionStub    = "action_stub"
	KindActionRun     = "action_run"
	KindActionBuiltin = "action_builtin"
	KindActionBlocked = "action_blocked"
)

// Publisher appends events to the event log.
type Publisher interface {
	Publish(topic string, payload map[string]interface{}) (*models.Event, error)
}

// Artifacts is the artifact collaborator contract.
type Artifacts interface {
	PutJSON(kind, title string, payload interface{}) (string, error)
	GetJSON(id string, v interface{}) (bool, error)
}

// Policy is the subset of the policy engine the gate consults.
type Policy interface {
	CategoryAllowed(category string) bool
	AutonomousAllowed(category string) bool
	ScopeAllowed(target string) bool
	ToolAllowed(tool string) bool
}

// Auditor records gate decisions.
type Auditor interface {
	Record(action string, inputs interface{}, outcome, jobID, details string) (*models.PDREntry, error)
}

// Observer is notified of every action outcome.
type Observer interface {
	ObserveAction(actionID, outcome string)
}

// OutcomeKind distinguishes what the gate did with a request.
type OutcomeKind int

const (
	// Executed means the driver ran; Result.OK says whether it succeeded.
	Executed OutcomeKind = iota
	// Blocked means a policy check refused the action before any side effect.
	Blocked
	// StageRequired means the step needs human approval before it may run.
	StageRequired
)

func (k OutcomeKind) String() string {
	switch k {
	case Executed:
		return "executed"
	case Blocked:
		return "blocked"
	case StageRequired:
		return "staged"
	}
	return "unknown"
}

// Outcome is the result variant returned by the gate. Stage is set only
// for StageRequired.
type Outcome struct {
	Kind   OutcomeKind
	Result models.ActionResult
	Stage  *models.StageRequest
}

// Request carries the per-invocation inputs of an action.
type Request struct {
	Payload map[string]interface{}
	Mode    models.Mode
	// Approved skips staging because a human approval record exists.
	Approved bool

	JobID     string
	PlanID    string
	StepIndex int
}

// Target returns the payload's scope or target, in that order.
func (r Request) Target() string {
	for _, key := range []string{"scope", "target"} {
		if v, ok := r.Payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Runner dispatches actions behind the policy gate.
type Runner struct {
	registry  *Registry
	bus       Publisher
	artifacts Artifacts
	connector connectors.Connector
	logger    *slog.Logger

	mu       sync.RWMutex
	policy   Policy
	auditor  Auditor
	observer Observer
}

// NewRunner creates a runner. logger may be nil.
func NewRunner(reg *Registry, bus Publisher, artifacts Artifacts, pol Policy, conn connectors.Connector, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:  reg,
		bus:       bus,
		artifacts: artifacts,
		policy:    pol,
		connector: conn,
		logger:    logger,
	}
}

// Registry returns the registry the runner dispatches from.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// SetPolicy swaps the policy used by subsequent gate evaluations.
func (r *Runner) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

// SetAuditor wires a decision recorder.
func (r *Runner) SetAuditor(a Auditor) {
	r.mu.Lock()
	r.auditor = a
	r.mu.Unlock()
}

// SetObserver wires an outcome observer, typically metrics.
func (r *Runner) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

func (r *Runner) currentPolicy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Run looks up id and invokes its implementation. An unknown id yields a
// non-ok result with reason unknown_action and ErrUnknownAction.
func (r *Runner) Run(ctx context.Context, id string, req Request) (Outcome, error) {
	impl, err := r.registry.GetImpl(id)
	if err != nil {
		return Outcome{Kind: Blocked, Result: failed("unknown action", ReasonUnknownAction)}, err
	}
	spec, ok := r.registry.Get(id)
	if !ok {
		spec = models.ActionSpec{ID: id, Name: id, Driver: models.DriverBuiltin}
	}
	return impl(ctx, r, spec, req), nil
}

// Execute applies the gate to spec and, if every check passes, dispatches it
// to its driver. It never panics and always returns a result.
func (r *Runner) Execute(ctx context.Context, spec models.ActionSpec, req Request) (out Outcome) {
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}
	r.publish("action.started", map[string]interface{}{
		"id": spec.ID, "mode": string(req.Mode), "category": spec.Category, "job_id": req.JobID,
	})

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("action panicked", "action", spec.ID, "panic", p)
			out = Outcome{Kind: Executed, Result: failed("internal error", ReasonExecError)}
			r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": false, "error": "panic"})
		}
		r.observe(spec.ID, out)
	}()

	if reason, extra := r.gate(spec, req); reason != "" {
		return r.block(spec, req, reason, extra)
	}

	if stage := r.stageCheck(spec, req); stage != nil {
		r.publish("action.blocked", map[string]interface{}{
			"id": spec.ID, "reason": ReasonStageRequired, "job_id": req.JobID, "step_index": req.StepIndex,
		})
		r.audit(spec, req, "staged", ReasonStageRequired)
		res := failed("awaiting approval", ReasonStageRequired)
		res.ArtifactID = r.putArtifact(KindActionBlocked, spec.Name+" (staged)", map[string]interface{}{
			"id": spec.ID, "reason": ReasonStageRequired, "mode": string(req.Mode), "payload": req.Payload,
			"risk": string(spec.Risk), "step_index": req.StepIndex,
		})
		return Outcome{Kind: StageRequired, Result: res, Stage: stage}
	}

	res := r.dispatch(ctx, spec, req)
	r.audit(spec, req, outcomeLabel(res), res.Reason())
	return Outcome{Kind: Executed, Result: res}
}

// gate applies the four ordered policy checks. It returns the first failing
// reason, or "".
func (r *Runner) gate(spec models.ActionSpec, req Request) (string, map[string]interface{}) {
	pol := r.currentPolicy()

	if !pol.CategoryAllowed(spec.Category) {
		return ReasonCategoryBlocked, nil
	}
	if req.Mode == models.ModeAutonomous && !(spec.AllowAutonomous && pol.AutonomousAllowed(spec.Category)) {
		return ReasonAutonomousNotAllowed, nil
	}
	if target := req.Target(); target != "" {
		if !pol.ScopeAllowed(target) || !specScopeAllowed(spec, target) {
			return ReasonScopeNotAllowed, map[string]interface{}{"target": target}
		}
	}
	if spec.RequiresConfirmation && req.Mode != models.ModeManual {
		return ReasonConfirmationRequired, nil
	}
	return "", nil
}

func (r *Runner) stageCheck(spec models.ActionSpec, req Request) *models.StageRequest {
	if req.Mode == models.ModeManual || req.Approved {
		return nil
	}
	if spec.Risk != models.RiskCaution && spec.Risk != models.RiskDanger {
		return nil
	}
	return &models.StageRequest{
		JobID:     req.JobID,
		PlanID:    req.PlanID,
		StepIndex: req.StepIndex,
		ActionID:  spec.ID,
		Payload:   req.Payload,
		Risk:      string(spec.Risk),
		Scope:     req.Target(),
		Reason:    StageReason,
	}
}

func (r *Runner) block(spec models.ActionSpec, req Request, reason string, extra map[string]interface{}) Outcome {
	ev := map[string]interface{}{"id": spec.ID, "reason": reason, "job_id": req.JobID}
	for k, v := range extra {
		ev[k] = v
	}
	r.publish("action.blocked", ev)
	r.audit(spec, req, "blocked", reason)

	res := failed(blockSummary(reason), reason)
	res.ArtifactID = r.putArtifact(KindActionBlocked, spec.Name+" (blocked)", map[string]interface{}{
		"id": spec.ID, "reason": reason, "mode": string(req.Mode), "payload": req.Payload,
	})
	for k, v := range extra {
		res.Meta[k] = v
	}
	return Outcome{Kind: Blocked, Result: res}
}

func (r *Runner) publish(topic string, payload map[string]interface{}) {
	if _, err := r.bus.Publish(topic, payload); err != nil {
		r.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

// putArtifact stores a result artifact. A store failure is logged and the
// result carries no artifact id; the event trail still records the outcome.
func (r *Runner) putArtifact(kind, title string, payload interface{}) string {
	if r.artifacts == nil {
		return ""
	}
	id, err := r.artifacts.PutJSON(kind, title, payload)
	if err != nil {
		r.logger.Error("artifact write failed", "kind", kind, "error", err)
		return ""
	}
	return id
}

func (r *Runner) audit(spec models.ActionSpec, req Request, outcome, details string) {
	r.mu.RLock()
	a := r.auditor
	r.mu.RUnlock()
	if a == nil {
		return
	}
	inputs := map[string]interface{}{"id": spec.ID, "mode": req.Mode, "payload": req.Payload}
	if _, err := a.Record("action."+spec.ID, inputs, outcome, req.JobID, details); err != nil {
		r.logger.Warn("pdr write failed", "action", spec.ID, "error", err)
	}
}

func (r *Runner) observe(id string, out Outcome) {
	r.mu.RLock()
	o := r.observer
	r.mu.RUnlock()
	if o == nil {
		return
	}
	label := out.Kind.String()
	if out.Kind == Executed && !out.Result.OK {
		label = "failed"
	}
	o.ObserveAction(id, label)
}

func specScopeAllowed(spec models.ActionSpec, target string) bool {
	if len(spec.AllowedScopes) == 0 {
		return true
	}
	return scopeWithin(target, spec.AllowedScopes)
}

func failed(summary, reason string) models.ActionResult {
	return models.ActionResult{OK: false, Summary: summary, Meta: map[string]interface{}{"reason": reason}}
}

func outcomeLabel(res models.ActionResult) string {
	if res.OK {
		return "executed"
	}
	return "failed"
}

func blockSummary(reason string) string {
	switch reason {
	case ReasonCategoryBlocked:
		return "blocked by policy"
	case ReasonAutonomousNotAllowed:
		return "autonomous not allowed"
	case ReasonScopeNotAllowed:
		return "scope not allowed"
	case ReasonConfirmationRequired:
		return "confirmation required"
	}
	return reason
}
