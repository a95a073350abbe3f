package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newEngine() *Engine {
	return NewFromConfig(Config{
		AllowedTags:          []string{"lab-approved"},
		AllowedScopes:        []string{"10.0.10.0/24", "192.168.1.5", "fd00::/64", "garbage"},
		AllowedTools:         []string{"nmap"},
		BlockCategories:      []string{"system_attack"},
		AutonomousCategories: []string{"network_scan", "system_attack"},
	})
}

func TestScopeAllowed(t *testing.T) {
	e := newEngine()

	tests := []struct {
		target string
		want   bool
	}{
		{"10.0.10.0/24", true},     // exact match
		{"10.0.10.128/25", true},   // proper subnet
		{"10.0.10.7", true},        // host inside
		{"10.0.10.7/32", true},     // host as CIDR
		{"10.0.10.9/24", true},     // host bits are masked
		{"10.0.0.0/16", false},     // supernet
		{"10.0.11.0/24", false},    // disjoint
		{"10.0.100.0/24", false},   // string prefix of allowed, still disjoint
		{"192.168.1.5", true},      // single host scope
		{"192.168.1.6", false},     // neighbour host
		{"fd00::1", true},          // v6 inside
		{"fd00::/48", false},       // v6 supernet
		{"not-an-ip", false},       // malformed
		{"10.0.10.0/33", false},    // bad mask
		{"", false},                // empty
		{"::ffff:10.0.10.3", true}, // v4-mapped
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, e.ScopeAllowed(tt.target))
		})
	}
}

func TestScopeAllowedNoScopes(t *testing.T) {
	e := NewFromConfig(Config{})
	assert.False(t, e.ScopeAllowed("10.0.10.1"))
}

func TestCategoryAndAutonomous(t *testing.T) {
	e := newEngine()

	assert.True(t, e.CategoryAllowed("network_scan"))
	assert.False(t, e.CategoryAllowed("system_attack"))

	assert.True(t, e.AutonomousAllowed("network_scan"))
	assert.False(t, e.AutonomousAllowed("system_attack"), "blocked wins over autonomous allow")
	assert.False(t, e.AutonomousAllowed("vuln_assess"), "not in autonomous set")
}

func TestToolAllowed(t *testing.T) {
	e := newEngine()
	assert.True(t, e.ToolAllowed("nmap"))
	assert.False(t, e.ToolAllowed("rm"))
}

func TestAllowHandoff(t *testing.T) {
	e := newEngine()

	assert.True(t, e.AllowHandoff(map[string]interface{}{"tag": "lab-approved"}))
	assert.False(t, e.AllowHandoff(map[string]interface{}{"tag": "other"}))
	assert.False(t, e.AllowHandoff(map[string]interface{}{"tag": 1}))
	assert.False(t, e.AllowHandoff(nil))
}

func TestDefaultConfig(t *testing.T) {
	e := NewFromConfig(DefaultConfig())
	assert.True(t, e.AllowHandoff(map[string]interface{}{"tag": "lab-approved"}))
	assert.True(t, e.ScopeAllowed("10.0.10.0/24"))
	assert.False(t, e.CategoryAllowed("file_steal"))
}

func TestDecisions(t *testing.T) {
	e := newEngine()

	tests := []struct {
		name string
		got  Decision
		want Decision
	}{
		{"category ok", e.CheckCategory("network_scan", false), Decision{Allowed: true}},
		{"category blocked", e.CheckCategory("system_attack", true), Decision{Reason: ReasonCategoryBlocked}},
		{"autonomous denied", e.CheckCategory("vuln_assess", true), Decision{Reason: ReasonAutonomousNotAllowed}},
		{"scope ok", e.CheckScope("10.0.10.3"), Decision{Allowed: true}},
		{"scope denied", e.CheckScope("8.8.8.8"), Decision{Reason: ReasonScopeNotAllowed}},
		{"tool denied", e.CheckTool("bash"), Decision{Reason: ReasonToolNotAllowed}},
		{"tag denied", e.CheckHandoff(map[string]interface{}{"tag": "x"}), Decision{Reason: ReasonTagNotAllowed}},
		{"tag ok", e.CheckHandoff(map[string]interface{}{"tag": "lab-approved"}), Decision{Allowed: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
