package planner

import (
	"testing"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setCatalog map[string]bool

func (c setCatalog) Has(id string) bool { return c[id] }

type memBus struct{ events []models.Event }

func (m *memBus) Publish(topic string, payload map[string]interface{}) (*models.Event, error) {
	ev := models.Event{ID: int64(len(m.events) + 1), Topic: topic, Payload: payload}
	m.events = append(m.events, ev)
	return &ev, nil
}

type memArtifacts struct{ puts map[string]interface{} }

func (m *memArtifacts) PutJSON(kind, title string, payload interface{}) (string, error) {
	id := kind + "-1"
	m.puts[id] = payload
	return id, nil
}

func fullCatalog() setCatalog {
	return setCatalog{ActionHostDiscovery: true, ActionPortScan: true, ActionVulnAssess: true}
}

func stepIDs(p *models.Plan) []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ActionID)
	}
	return ids
}

func TestRiskPenalty(t *testing.T) {
	assert.Equal(t, 0.0, RiskPenalty(RiskSafe))
	assert.Equal(t, 0.5, RiskPenalty(RiskNoisy))
	assert.Equal(t, 1.5, RiskPenalty(RiskIntrusive))
	assert.Equal(t, 3.0, RiskPenalty(RiskDangerous))
	assert.Equal(t, 1.0, RiskPenalty("weird"))
}

func TestScore(t *testing.T) {
	w := Weights{Novelty: 1, Severity: 1, Staleness: 1, Coverage: 1, Uncertainty: 1, Noise: 1, Cost: 1, Risk: 1}
	c := models.PlanCandidate{Novelty: 1, Severity: 1, Staleness: 1, Coverage: 1, Uncertainty: 1, Noise: 0.5, Cost: models.Cost{TimeSec: 30}, Risk: RiskNoisy}
	// 5 - 0.5 - 0.5 - 0.5
	assert.InDelta(t, 3.5, Score(c, w), 1e-9)

	// Cost saturates at one minute
	c.Cost.TimeSec = 600
	assert.InDelta(t, 3.0, Score(c, w), 1e-9)
}

func TestRankDropsDisallowedRisk(t *testing.T) {
	cands := []models.PlanCandidate{
		{ActionID: "a", Risk: RiskSafe, Novelty: 1},
		{ActionID: "b", Risk: RiskIntrusive, Novelty: 5},
		{ActionID: "c", Risk: RiskDangerous, Novelty: 9},
	}
	ranked, dropped := Rank(cands, DefaultWeights(), []string{RiskSafe, RiskNoisy})
	require.Len(t, ranked, 1)
	assert.Equal(t, "a", ranked[0].Candidate.ActionID)
	assert.Len(t, dropped, 2)
}

func TestRankTieBreaks(t *testing.T) {
	w := Weights{} // every score is zero
	cands := []models.PlanCandidate{
		{ActionID: "z", Risk: RiskNoisy, Cost: models.Cost{TimeSec: 5}},
		{ActionID: "y", Risk: RiskSafe, Cost: models.Cost{TimeSec: 50}},
		{ActionID: "x", Risk: RiskSafe, Cost: models.Cost{TimeSec: 10}},
		{ActionID: "w", Risk: RiskSafe, Cost: models.Cost{TimeSec: 10}},
	}
	ranked, _ := Rank(cands, w, []string{RiskSafe, RiskNoisy})
	var got []string
	for _, s := range ranked {
		got = append(got, s.Candidate.ActionID)
	}
	// lower risk, then lower cost, then lexical id
	assert.Equal(t, []string{"w", "x", "y", "z"}, got)
}

func TestCandidatesFollowCatalog(t *testing.T) {
	p := New(setCatalog{ActionPortScan: true}, nil, nil, DefaultConfig())
	cands := p.Candidates("10.0.10.0/24", true)
	require.Len(t, cands, 1)
	assert.Equal(t, ActionPortScan, cands[0].ActionID)
	assert.Equal(t, "10.0.10.0/24", cands[0].Payload["target"])

	p = New(setCatalog{}, nil, nil, DefaultConfig())
	assert.Empty(t, p.Candidates("10.0.10.0/24", true))
}

func TestVulnAssessOptional(t *testing.T) {
	p := New(fullCatalog(), nil, nil, DefaultConfig())

	without := p.Build(Request{Scope: "10.0.10.0/24"})
	assert.NotContains(t, stepIDs(without), ActionVulnAssess)

	with := p.Build(Request{Scope: "10.0.10.0/24", IncludeVulnAssess: true})
	assert.Contains(t, stepIDs(with), ActionVulnAssess)
}

func TestBuildDeterministic(t *testing.T) {
	p := New(fullCatalog(), nil, nil, DefaultConfig())
	req := Request{Scope: "10.0.10.0/24", Mode: ModeAutonomousSafe, IncludeVulnAssess: true}

	a := p.Build(req)
	b := p.Build(req)
	require.Equal(t, stepIDs(a), stepIDs(b))
	for i := range a.Steps {
		assert.Equal(t, a.Steps[i].Score, b.Steps[i].Score)
	}
	// Discovery outranks the noisier, slower scans with default weights
	assert.Equal(t, ActionHostDiscovery, a.Steps[0].ActionID)
	assert.Equal(t, ModeAutonomousSafe, a.Mode)

	explain := a.Explain
	assert.Contains(t, explain, "weights")
	assert.Contains(t, explain, "ranking")
	assert.Len(t, explain["ranking"], 3)
}

func TestGeneratePersistsAndPublishes(t *testing.T) {
	bus := &memBus{}
	arts := &memArtifacts{puts: map[string]interface{}{}}
	p := New(fullCatalog(), bus, arts, DefaultConfig())

	plan, artifactID, err := p.Generate(Request{Scope: "10.0.10.0/24", Note: "nightly"})
	require.NoError(t, err)
	assert.Equal(t, "ai_plan-1", artifactID)
	assert.Same(t, plan, arts.puts[artifactID])
	assert.Equal(t, ModePlanOnly, plan.Mode)

	require.Len(t, bus.events, 1)
	ev := bus.events[0]
	assert.Equal(t, "ai.plan.created", ev.Topic)
	assert.Equal(t, plan.ID, ev.Payload["id"])
	assert.Equal(t, artifactID, ev.Payload["artifact_id"])
	assert.Equal(t, stepIDs(plan), ev.Payload["steps"])
}
