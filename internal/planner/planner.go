// Package planner turns a scope into an ordered, explainable plan.
//
// Candidate generation only proposes actions present in the catalog.
// Candidates are scored with fixed weights, filtered by an allowed risk set
// and sorted into a fully deterministic order.
package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/google/uuid"
)

// Plan modes.
const (
	ModePlanOnly       = "plan_only"
	ModeAutonomousSafe = "autonomous_safe"
)

// Planner risk tiers. These grade noise on the wire and are distinct from
// the execution-time tiers on an action spec.
const (
	RiskSafe      = "safe"
	RiskNoisy     = "noisy"
	RiskIntrusive = "intrusive"
	RiskDangerous = "dangerous"
)

// KindPlan is the artifact kind plans are stored under.
const KindPlan = "ai_plan"

// Action ids the planner knows how to propose.
const (
	ActionHostDiscovery = "net.host_discovery"
	ActionPortScan      = "net.port_scan"
	ActionVulnAssess    = "vuln.assess_basic"
)

var riskLadder = map[string]float64{
	RiskSafe:      0,
	RiskNoisy:     0.5,
	RiskIntrusive: 1.5,
	RiskDangerous: 3.0,
}

// RiskPenalty returns the ladder value for risk; unknown tiers cost 1.0.
func RiskPenalty(risk string) float64 {
	if p, ok := riskLadder[risk]; ok {
		return p
	}
	return 1.0
}

// Weights scale each scoring input.
type Weights struct {
	Novelty     float64 `yaml:"novelty" json:"novelty"`
	Severity    float64 `yaml:"severity" json:"severity"`
	Staleness   float64 `yaml:"staleness" json:"staleness"`
	Coverage    float64 `yaml:"coverage" json:"coverage"`
	Uncertainty float64 `yaml:"uncertainty" json:"uncertainty"`
	Noise       float64 `yaml:"noise" json:"noise"`
	Cost        float64 `yaml:"cost" json:"cost"`
	Risk        float64 `yaml:"risk" json:"risk"`
}

// DefaultWeights returns the shipped weights.
func DefaultWeights() Weights {
	return Weights{
		Novelty:     1.0,
		Severity:    1.2,
		Staleness:   0.6,
		Coverage:    0.8,
		Uncertainty: 0.5,
		Noise:       0.7,
		Cost:        0.4,
		Risk:        1.0,
	}
}

// Config configures a Planner.
type Config struct {
	Weights      Weights  `yaml:"weights" json:"weights"`
	AllowedRisks []string `yaml:"allowed_risks" json:"allowed_risks"`
}

// DefaultConfig allows safe and noisy candidates with default weights.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), AllowedRisks: []string{RiskSafe, RiskNoisy}}
}

// Catalog reports which action ids are registered.
type Catalog interface {
	Has(id string) bool
}

// Publisher appends events to the event log.
type Publisher interface {
	Publish(topic string, payload map[string]interface{}) (*models.Event, error)
}

// Artifacts stores plan documents.
type Artifacts interface {
	PutJSON(kind, title string, payload interface{}) (string, error)
}

// Request holds the inputs of one Generate call.
type Request struct {
	Scope             string
	Mode              string
	Note              string
	IncludeVulnAssess bool
	Seed              int64
}

// Scored is a candidate with its computed score.
type Scored struct {
	Candidate models.PlanCandidate
	Score     float64
}

// Planner generates plans from the registered catalog.
type Planner struct {
	catalog   Catalog
	bus       Publisher
	artifacts Artifacts
	cfg       Config
	now       func() time.Time
}

// New creates a Planner. bus and artifacts may be nil for pure ranking.
func New(catalog Catalog, bus Publisher, artifacts Artifacts, cfg Config) *Planner {
	if len(cfg.AllowedRisks) == 0 {
		cfg.AllowedRisks = DefaultConfig().AllowedRisks
	}
	return &Planner{catalog: catalog, bus: bus, artifacts: artifacts, cfg: cfg, now: time.Now}
}

// Candidates proposes one candidate per known capability that is registered.
func (p *Planner) Candidates(scope string, includeVuln bool) []models.PlanCandidate {
	var out []models.PlanCandidate
	if p.catalog.Has(ActionHostDiscovery) {
		out = append(out, models.PlanCandidate{
			ActionID:    ActionHostDiscovery,
			Payload:     map[string]interface{}{"scope": scope},
			Novelty:     0.9,
			Severity:    0.2,
			Staleness:   1.0,
			Coverage:    1.0,
			Uncertainty: 0.8,
			Noise:       0.2,
			Cost:        models.Cost{TimeSec: 30, Packets: 512},
			Risk:        RiskSafe,
			Why:         []string{"establishes which hosts are alive in scope", "cheap ping sweep"},
		})
	}
	if p.catalog.Has(ActionPortScan) {
		out = append(out, models.PlanCandidate{
			ActionID:    ActionPortScan,
			Payload:     map[string]interface{}{"target": scope},
			Novelty:     0.7,
			Severity:    0.5,
			Staleness:   0.8,
			Coverage:    0.7,
			Uncertainty: 0.6,
			Noise:       0.5,
			Cost:        models.Cost{TimeSec: 120, Packets: 4000},
			Risk:        RiskNoisy,
			Why:         []string{"maps exposed services", "feeds service fingerprints"},
		})
	}
	if includeVuln && p.catalog.Has(ActionVulnAssess) {
		out = append(out, models.PlanCandidate{
			ActionID:    ActionVulnAssess,
			Payload:     map[string]interface{}{"target": scope},
			Novelty:     0.5,
			Severity:    0.9,
			Staleness:   0.5,
			Coverage:    0.4,
			Uncertainty: 0.5,
			Noise:       0.6,
			Cost:        models.Cost{TimeSec: 300, Packets: 8000},
			Risk:        RiskNoisy,
			Why:         []string{"checks known weaknesses on found services"},
		})
	}
	return out
}

// Score computes the weighted score of c.
func Score(c models.PlanCandidate, w Weights) float64 {
	normCost := math.Min(c.Cost.TimeSec/60, 1)
	return c.Novelty*w.Novelty +
		c.Severity*w.Severity +
		c.Staleness*w.Staleness +
		c.Coverage*w.Coverage +
		c.Uncertainty*w.Uncertainty -
		c.Noise*w.Noise -
		normCost*w.Cost -
		RiskPenalty(c.Risk)*w.Risk
}

// Rank drops candidates outside allowedRisks, scores the rest and sorts by
// (-score, risk penalty, time_s, action_id).
func Rank(cands []models.PlanCandidate, w Weights, allowedRisks []string) (ranked []Scored, dropped []models.PlanCandidate) {
	allowed := make(map[string]bool, len(allowedRisks))
	for _, r := range allowedRisks {
		allowed[r] = true
	}
	for _, c := range cands {
		if !allowed[c.Risk] {
			dropped = append(dropped, c)
			continue
		}
		ranked = append(ranked, Scored{Candidate: c, Score: Score(c, w)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := RiskPenalty(a.Candidate.Risk), RiskPenalty(b.Candidate.Risk); ra != rb {
			return ra < rb
		}
		if a.Candidate.Cost.TimeSec != b.Candidate.Cost.TimeSec {
			return a.Candidate.Cost.TimeSec < b.Candidate.Cost.TimeSec
		}
		return a.Candidate.ActionID < b.Candidate.ActionID
	})
	return ranked, dropped
}

// Build ranks candidates for req into a plan without side effects.
func (p *Planner) Build(req Request) *models.Plan {
	now := p.now().UTC()
	ranked, dropped := Rank(p.Candidates(req.Scope, req.IncludeVulnAssess), p.cfg.Weights, p.cfg.AllowedRisks)

	steps := make([]models.PlanStep, 0, len(ranked))
	ranking := make([]map[string]interface{}, 0, len(ranked))
	for _, s := range ranked {
		steps = append(steps, models.PlanStep{
			ActionID: s.Candidate.ActionID,
			Payload:  s.Candidate.Payload,
			Why:      strings.Join(s.Candidate.Why, "; "),
			Score:    s.Score,
		})
		ranking = append(ranking, map[string]interface{}{
			"action_id": s.Candidate.ActionID,
			"score":     s.Score,
			"risk":      s.Candidate.Risk,
			"time_s":    s.Candidate.Cost.TimeSec,
			"why":       s.Candidate.Why,
			"inputs": map[string]float64{
				"novelty": s.Candidate.Novelty, "severity": s.Candidate.Severity,
				"staleness": s.Candidate.Staleness, "coverage": s.Candidate.Coverage,
				"uncertainty": s.Candidate.Uncertainty, "noise": s.Candidate.Noise,
			},
		})
	}
	droppedIDs := make([]map[string]interface{}, 0, len(dropped))
	for _, c := range dropped {
		droppedIDs = append(droppedIDs, map[string]interface{}{"action_id": c.ActionID, "risk": c.Risk})
	}

	mode := req.Mode
	if mode == "" {
		mode = ModePlanOnly
	}
	return &models.Plan{
		ID:        fmt.Sprintf("plan-%d-%s", now.Unix(), uuid.New().String()[:8]),
		CreatedAt: now,
		Mode:      mode,
		Scope:     req.Scope,
		Steps:     steps,
		Note:      req.Note,
		Seed:      req.Seed,
		Explain: map[string]interface{}{
			"weights":       p.cfg.Weights,
			"allowed_risks": p.cfg.AllowedRisks,
			"ranking":       ranking,
			"dropped":       droppedIDs,
		},
	}
}

// Generate builds a plan, stores it as an ai_plan artifact and publishes
// ai.plan.created. It returns the plan and its artifact id.
func (p *Planner) Generate(req Request) (*models.Plan, string, error) {
	plan := p.Build(req)

	var artifactID string
	if p.artifacts != nil {
		id, err := p.artifacts.PutJSON(KindPlan, "plan "+plan.ID, plan)
		if err != nil {
			return nil, "", fmt.Errorf("store plan: %w", err)
		}
		artifactID = id
	}

	if p.bus != nil {
		ids := make([]string, 0, len(plan.Steps))
		for _, s := range plan.Steps {
			ids = append(ids, s.ActionID)
		}
		if _, err := p.bus.Publish("ai.plan.created", map[string]interface{}{
			"id":                  plan.ID,
			"artifact_id":         artifactID,
			"mode":                plan.Mode,
			"scope":               plan.Scope,
			"steps":               ids,
			"include_vuln_assess": req.IncludeVulnAssess,
		}); err != nil {
			return nil, "", fmt.Errorf("publish plan: %w", err)
		}
	}
	return plan, artifactID, nil
}
