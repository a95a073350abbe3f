// Package models defines the core domain types for reconpi.
package models

import "time"

// Event is one immutable entry in the event log.
type Event struct {
	ID      int64                  `json:"id"`
	TS      time.Time              `json:"ts"`
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload"`
}

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusBlocked   JobStatus = "blocked"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusBlocked,
		JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a unit of queued work. The id is assigned by the caller.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Scope     string    `json:"scope"`
	Note      string    `json:"note"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_ts"`
	UpdatedAt time.Time `json:"updated_ts"`
}

// Lease is a time-bounded ownership grant over a named resource.
// TS and TTL are unix seconds so the on-disk record stays language neutral.
type Lease struct {
	Resource string  `json:"resource"`
	Owner    string  `json:"owner"`
	TS       float64 `json:"ts"`
	TTL      float64 `json:"ttl"`
}

// ExpiresAt returns the unix time after which the lease is absent.
func (l Lease) ExpiresAt() float64 {
	return l.TS + l.TTL
}

// Live reports whether the lease is still valid at now (unix seconds).
func (l Lease) Live(now float64) bool {
	return now < l.ExpiresAt()
}

// Driver selects how an action is dispatched.
type Driver string

const (
	DriverBuiltin      Driver = "builtin"
	DriverCommand      Driver = "command"
	DriverExternalStub Driver = "external_stub"
)

// Risk is the execution-time risk tier of an action.
type Risk string

const (
	RiskSafe    Risk = "safe"
	RiskCaution Risk = "caution"
	RiskDanger  Risk = "danger"
)

// Mode is the execution mode an action runs under.
type Mode string

const (
	ModeManual     Mode = "manual"
	ModeAI         Mode = "ai"
	ModeAutonomous Mode = "autonomous"
)

// ActionSpec describes a runnable capability loaded from an action pack.
type ActionSpec struct {
	ID                   string   `json:"id" yaml:"id"`
	Name                 string   `json:"name" yaml:"name"`
	Category             string   `json:"category" yaml:"category"`
	Description          string   `json:"description,omitempty" yaml:"description"`
	Tags                 []string `json:"tags,omitempty" yaml:"tags"`
	Driver               Driver   `json:"driver" yaml:"driver"`
	Command              []string `json:"command,omitempty" yaml:"command"`
	TimeoutSec           int      `json:"timeout_s" yaml:"timeout_s"`
	Produces             []string `json:"produces,omitempty" yaml:"produces"`
	Risk                 Risk     `json:"risk" yaml:"risk"`
	RequiresConfirmation bool     `json:"requires_confirmation" yaml:"requires_confirmation"`
	AllowAutonomous      bool     `json:"allow_autonomous" yaml:"allow_autonomous"`
	AllowedScopes        []string `json:"allowed_scopes,omitempty" yaml:"allowed_scopes"`
}

// DefaultTimeoutSec applies when a spec does not set timeout_s.
const DefaultTimeoutSec = 120

// Timeout returns the spec's hard timeout.
func (a ActionSpec) Timeout() time.Duration {
	if a.TimeoutSec <= 0 {
		return DefaultTimeoutSec * time.Second
	}
	return time.Duration(a.TimeoutSec) * time.Second
}

// ActionResult is the uniform return contract of every action.
type ActionResult struct {
	OK         bool                   `json:"ok"`
	ArtifactID string                 `json:"artifact_id,omitempty"`
	Summary    string                 `json:"summary"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Reason returns meta.reason, or "" when absent.
func (r ActionResult) Reason() string {
	if r.Meta == nil {
		return ""
	}
	s, _ := r.Meta["reason"].(string)
	return s
}

// Cost carries a candidate's estimated resource use.
type Cost struct {
	TimeSec float64 `json:"time_s"`
	Packets float64 `json:"packets,omitempty"`
}

// PlanCandidate is a proposed action with its raw scoring inputs.
type PlanCandidate struct {
	ActionID    string                 `json:"action_id"`
	Payload     map[string]interface{} `json:"payload"`
	Novelty     float64                `json:"novelty"`
	Severity    float64                `json:"severity"`
	Staleness   float64                `json:"staleness"`
	Coverage    float64                `json:"coverage"`
	Uncertainty float64                `json:"uncertainty"`
	Noise       float64                `json:"noise"`
	Cost        Cost                   `json:"cost"`
	Risk        string                 `json:"risk"`
	Why         []string               `json:"why"`
}

// PlanStep is the ordered, executable form of a ranked candidate.
type PlanStep struct {
	ActionID string                 `json:"action_id"`
	Payload  map[string]interface{} `json:"payload"`
	Why      string                 `json:"why"`
	Score    float64                `json:"score"`
}

// Plan is an ordered list of steps plus the ranking that produced it.
type Plan struct {
	ID        string                 `json:"id"`
	CreatedAt time.Time              `json:"created_ts"`
	Mode      string                 `json:"mode"`
	Scope     string                 `json:"scope"`
	Steps     []PlanStep             `json:"steps"`
	Note      string                 `json:"note,omitempty"`
	Seed      int64                  `json:"seed"`
	Explain   map[string]interface{} `json:"explain,omitempty"`
}

// StageRequest defers a risky step until a human approves it.
// StepIndex is 1-based.
type StageRequest struct {
	ID        string                 `json:"id,omitempty"`
	JobID     string                 `json:"job_id"`
	PlanID    string                 `json:"plan_id"`
	StepIndex int                    `json:"step_index"`
	ActionID  string                 `json:"action_id"`
	Payload   map[string]interface{} `json:"payload"`
	Risk      string                 `json:"risk"`
	Scope     string                 `json:"scope"`
	Reason    string                 `json:"reason"`
	CreatedAt time.Time              `json:"created_ts"`
}

// StageApproval is the single terminal approval of a StageRequest.
type StageApproval struct {
	RequestID  string    `json:"request_id"`
	ApprovedBy string    `json:"approved_by"`
	TS         time.Time `json:"ts"`
}

// CoreState is the top-level operating mode.
type CoreState string

const (
	StateWifiObserve    CoreState = "WIFI_OBSERVE"
	StateHandoffPrepare CoreState = "HANDOFF_PREPARE"
	StateLanOps         CoreState = "LAN_OPS"
	StateIdle           CoreState = "IDLE"
)

// CoreStatus is the single piece of top-level mutable state.
type CoreStatus struct {
	State CoreState `json:"state"`
	Since time.Time `json:"since"`
	Note  string    `json:"note"`
}

// EngineHealth is reported by each subordinate engine on tick.
type EngineHealth struct {
	Name   string    `json:"name"`
	OK     bool      `json:"ok"`
	Detail string    `json:"detail"`
	TS     time.Time `json:"ts"`
}

// ArtifactMeta describes a stored artifact without its payload.
type ArtifactMeta struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_ts"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	JobID      string    `json:"job_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
