// Package policy decides what the controller may do. Every check is a pure
// function of a static configuration.
package policy

import (
	"net/netip"
	"strings"
)

// Reason codes carried by a denied Decision.
const (
	ReasonCategoryBlocked      = "category_blocked"
	ReasonAutonomousNotAllowed = "autonomous_not_allowed"
	ReasonScopeNotAllowed      = "scope_not_allowed"
	ReasonToolNotAllowed       = "tool_not_allowed"
	ReasonTagNotAllowed        = "tag_not_allowed"
)

// Decision is the outcome of a single policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Config is the policy section of the configuration file.
type Config struct {
	// AllowedTags gate the WiFi to LAN handoff.
	AllowedTags []string `yaml:"allowed_tags" json:"allowed_tags"`
	// AllowedScopes are the networks (IP or CIDR) actions may target.
	AllowedScopes []string `yaml:"allowed_scopes" json:"allowed_scopes"`
	// AllowedTools is the executable allowlist for command-driver actions.
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools"`
	// BlockCategories are denied regardless of mode.
	BlockCategories []string `yaml:"block_categories" json:"block_categories"`
	// AutonomousCategories may run without a human in autonomous mode.
	AutonomousCategories []string `yaml:"autonomous_categories" json:"autonomous_categories"`
}

// DefaultConfig returns a conservative policy.
func DefaultConfig() Config {
	return Config{
		AllowedTags:          []string{"lab-approved"},
		AllowedScopes:        []string{"10.0.10.0/24"},
		AllowedTools:         []string{"nmap"},
		BlockCategories:      []string{"system_attack", "file_steal"},
		AutonomousCategories: []string{"network_scan"},
	}
}

// Engine evaluates a fixed Config. It holds no mutable state.
type Engine struct {
	tags       map[string]bool
	tools      map[string]bool
	blocked    map[string]bool
	autonomous map[string]bool
	scopes     []netip.Prefix
	cfg        Config
}

// NewFromConfig builds an Engine. Scope entries that do not parse are
// ignored, which only ever narrows what is allowed.
func NewFromConfig(cfg Config) *Engine {
	return &Engine{
		tags:       toSet(cfg.AllowedTags),
		tools:      toSet(cfg.AllowedTools),
		blocked:    toSet(cfg.BlockCategories),
		autonomous: toSet(cfg.AutonomousCategories),
		scopes:     ParseScopes(cfg.AllowedScopes),
		cfg:        cfg,
	}
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() Config {
	return e.cfg
}

// CategoryAllowed is false iff category is in the deny set.
func (e *Engine) CategoryAllowed(category string) bool {
	return !e.blocked[category]
}

// AutonomousAllowed is true iff category is explicitly autonomous and not blocked.
func (e *Engine) AutonomousAllowed(category string) bool {
	return e.autonomous[category] && e.CategoryAllowed(category)
}

// ToolAllowed reports whether tool may be executed by a command driver.
func (e *Engine) ToolAllowed(tool string) bool {
	return e.tools[tool]
}

// ScopeAllowed reports whether target (an IP or CIDR) lies inside one of the
// allowed scopes. Malformed targets are never allowed.
func (e *Engine) ScopeAllowed(target string) bool {
	return Contained(target, e.scopes)
}

// AllowHandoff reports whether the request payload's tag is allowed.
func (e *Engine) AllowHandoff(payload map[string]interface{}) bool {
	tag, _ := payload["tag"].(string)
	return tag != "" && e.tags[tag]
}

// CheckCategory evaluates the category checks for an action, including the
// autonomous check when autonomous is set.
func (e *Engine) CheckCategory(category string, autonomous bool) Decision {
	if !e.CategoryAllowed(category) {
		return deny(ReasonCategoryBlocked)
	}
	if autonomous && !e.AutonomousAllowed(category) {
		return deny(ReasonAutonomousNotAllowed)
	}
	return allow()
}

// CheckScope evaluates target against the allowed scopes.
func (e *Engine) CheckScope(target string) Decision {
	if !e.ScopeAllowed(target) {
		return deny(ReasonScopeNotAllowed)
	}
	return allow()
}

// CheckTool evaluates tool against the allowlist.
func (e *Engine) CheckTool(tool string) Decision {
	if !e.ToolAllowed(tool) {
		return deny(ReasonToolNotAllowed)
	}
	return allow()
}

// CheckHandoff is AllowHandoff as a Decision.
func (e *Engine) CheckHandoff(payload map[string]interface{}) Decision {
	if !e.AllowHandoff(payload) {
		return deny(ReasonTagNotAllowed)
	}
	return allow()
}

// Contained reports whether target is equal to or a subnet of any network.
func Contained(target string, networks []netip.Prefix) bool {
	t, ok := ParseTarget(target)
	if !ok {
		return false
	}
	for _, n := range networks {
		if n.Addr().Is4() != t.Addr().Is4() {
			continue
		}
		if n.Bits() <= t.Bits() && n.Contains(t.Addr()) {
			return true
		}
	}
	return false
}

// ParseTarget parses an IP or CIDR into a masked prefix. A bare address
// becomes a single-host prefix.
func ParseTarget(s string) (netip.Prefix, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, false
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, false
		}
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits())
		if !p.IsValid() {
			return netip.Prefix{}, false
		}
		return p.Masked(), true
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), true
}

// ParseScopes parses every valid entry of scopes.
func ParseScopes(scopes []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(scopes))
	for _, s := range scopes {
		if p, ok := ParseTarget(s); ok {
			out = append(out, p)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.TrimSpace(it)] = true
	}
	return set
}
