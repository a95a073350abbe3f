// Package config loads reconpi's YAML configuration.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/reconpi/internal/core"
	"github.com/fentz26/reconpi/internal/engines"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/planner"
	"github.com/fentz26/reconpi/internal/policy"
	"github.com/fentz26/reconpi/internal/worker"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML accepts "30s" style strings or bare seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// LockRoot is the lease directory.
	LockRoot string `yaml:"lock_root"`
	// Listen is the control plane address.
	Listen string `yaml:"listen"`
	// ActionPacks are glob patterns of action pack files; ** is allowed.
	ActionPacks []string `yaml:"action_packs"`
	// WorkDir is the working directory of command actions.
	WorkDir string `yaml:"work_dir"`

	Core      CoreConfig      `yaml:"core"`
	Policy    policy.Config   `yaml:"policy"`
	Planner   planner.Config  `yaml:"planner"`
	Worker    WorkerConfig    `yaml:"worker"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Retention RetentionConfig `yaml:"retention"`
	Lan       EngineConfig    `yaml:"lan"`
	Wifi      EngineConfig    `yaml:"wifi"`
}

// CoreConfig configures the state machine and its tick loop.
type CoreConfig struct {
	TickInterval  Duration `yaml:"tick_interval"`
	DefaultState  string   `yaml:"default_state"`
	LeaseTTL      Duration `yaml:"lease_ttl"`
	EventWindow   int      `yaml:"event_window"`
	PruneEvery    Duration `yaml:"prune_every"`
	WatchdogEvery Duration `yaml:"watchdog_every"`
}

// WorkerConfig configures the background worker.
type WorkerConfig struct {
	Enabled       bool     `yaml:"enabled"`
	PollInterval  Duration `yaml:"poll_interval"`
	WatchdogAfter Duration `yaml:"watchdog_after"`
	MaxResets     int      `yaml:"max_resets"`
	DefaultScope  string   `yaml:"default_scope"`
	PlanMode      string   `yaml:"plan_mode"`
}

// WatchdogConfig configures the core job watchdog.
type WatchdogConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MinRuntime Duration `yaml:"min_runtime"`
	StuckAfter Duration `yaml:"stuck_after"`
	Action     string   `yaml:"action"`
	MaxResets  int      `yaml:"max_resets"`
}

// RetentionConfig bounds stored history.
type RetentionConfig struct {
	EventsKeepLast      int `yaml:"events_keep_last"`
	EventsOlderThanDays int `yaml:"events_older_than_days"`
	JobsKeepLast        int `yaml:"jobs_keep_last"`
	JobsOlderThanDays   int `yaml:"jobs_older_than_days"`
}

// EngineConfig configures the lan and wifi engines.
type EngineConfig struct {
	Enabled        bool     `yaml:"enabled"`
	SafeMode       bool     `yaml:"safe_mode"`
	MaxJobsPerTick int      `yaml:"max_jobs_per_tick,omitempty"`
	ScanInterval   Duration `yaml:"scan_interval,omitempty"`
}

// DefaultDir is the per-user state directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reconpi"
	}
	return filepath.Join(home, ".reconpi")
}

// DefaultPath is the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefaultConfig returns a configuration suitable for a lab appliance.
func DefaultConfig() *Config {
	dir := DefaultDir()
	return &Config{
		DBPath:      filepath.Join(dir, "reconpi.db"),
		LockRoot:    filepath.Join(dir, "locks"),
		Listen:      "127.0.0.1:7467",
		ActionPacks: []string{filepath.Join(dir, "packs", "**", "*.yaml")},
		WorkDir:     dir,
		Core: CoreConfig{
			TickInterval:  Duration(time.Second),
			DefaultState:  string(models.StateWifiObserve),
			LeaseTTL:      Duration(30 * time.Second),
			EventWindow:   200,
			PruneEvery:    Duration(time.Hour),
			WatchdogEvery: Duration(30 * time.Second),
		},
		Policy: policy.Config{
			AllowedTags:          []string{"lab-approved"},
			AllowedScopes:        []string{"10.0.10.0/24"},
			AllowedTools:         []string{"nmap"},
			BlockCategories:      []string{"system_attack", "file_steal"},
			AutonomousCategories: []string{"network_scan", "vuln_assess"},
		},
		Planner: planner.DefaultConfig(),
		Worker: WorkerConfig{
			Enabled:       true,
			PollInterval:  Duration(2 * time.Second),
			WatchdogAfter: Duration(300 * time.Second),
			MaxResets:     3,
			DefaultScope:  "10.0.10.0/24",
			PlanMode:      planner.ModeAutonomousSafe,
		},
		Watchdog: WatchdogConfig{
			Enabled:    true,
			MinRuntime: Duration(30 * time.Second),
			StuckAfter: Duration(900 * time.Second),
			Action:     core.WatchdogReset,
			MaxResets:  3,
		},
		Retention: RetentionConfig{EventsKeepLast: 5000, EventsOlderThanDays: 30, JobsKeepLast: 1000, JobsOlderThanDays: 14},
		Lan:       EngineConfig{Enabled: true, SafeMode: true, MaxJobsPerTick: 1},
		Wifi:      EngineConfig{Enabled: true, SafeMode: true, ScanInterval: Duration(time.Minute)},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func (c *Config) expand() {
	c.DBPath = ExpandHome(c.DBPath)
	c.LockRoot = ExpandHome(c.LockRoot)
	c.WorkDir = ExpandHome(c.WorkDir)
	for i, p := range c.ActionPacks {
		c.ActionPacks[i] = ExpandHome(p)
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.LockRoot == "" {
		return fmt.Errorf("lock_root is required")
	}
	switch models.CoreState(c.Core.DefaultState) {
	case models.StateWifiObserve, models.StateHandoffPrepare, models.StateLanOps, models.StateIdle:
	default:
		return fmt.Errorf("invalid core.default_state %q", c.Core.DefaultState)
	}
	for _, s := range c.Policy.AllowedScopes {
		if _, err := netip.ParsePrefix(s); err != nil {
			if _, err := netip.ParseAddr(s); err != nil {
				return fmt.Errorf("invalid policy.allowed_scopes entry %q", s)
			}
		}
	}
	switch c.Watchdog.Action {
	case core.WatchdogReset, core.WatchdogFail, core.WatchdogNone:
	default:
		return fmt.Errorf("invalid watchdog.action %q, must be: reset, fail, or none", c.Watchdog.Action)
	}
	switch c.Worker.PlanMode {
	case planner.ModePlanOnly, planner.ModeAutonomousSafe:
	default:
		return fmt.Errorf("invalid worker.plan_mode %q", c.Worker.PlanMode)
	}
	if c.Worker.MaxResets < 0 || c.Watchdog.MaxResets < 0 {
		return fmt.Errorf("max_resets cannot be negative")
	}
	return nil
}

// CoreOptions returns the state machine configuration.
func (c *Config) CoreOptions() core.Config {
	return core.Config{
		DefaultState: models.CoreState(c.Core.DefaultState),
		Resource:     "wifi",
		LeaseTTL:     c.Core.LeaseTTL.D(),
		EventWindow:  c.Core.EventWindow,
	}
}

// DaemonOptions returns the tick loop configuration.
func (c *Config) DaemonOptions() core.DaemonConfig {
	r := c.Retention
	return core.DaemonConfig{
		TickInterval:  c.Core.TickInterval.D(),
		PruneEvery:    c.Core.PruneEvery.D(),
		WatchdogEvery: c.Core.WatchdogEvery.D(),
		Retention: core.Retention{
			EventsKeepLast:      r.EventsKeepLast,
			EventsOlderThanDays: r.EventsOlderThanDays,
			JobsKeepLast:        r.JobsKeepLast,
			JobsOlderThanDays:   r.JobsOlderThanDays,
		},
	}
}

// WatchdogOptions returns the job watchdog configuration.
func (c *Config) WatchdogOptions() core.WatchdogConfig {
	w := c.Watchdog
	return core.WatchdogConfig{
		Enabled:    w.Enabled,
		MinRuntime: w.MinRuntime.D(),
		StuckAfter: w.StuckAfter.D(),
		Action:     w.Action,
		MaxResets:  w.MaxResets,
	}
}

// WorkerOptions returns the worker configuration.
func (c *Config) WorkerOptions() worker.Config {
	w := c.Worker
	return worker.Config{
		PollInterval:  w.PollInterval.D(),
		WatchdogAfter: w.WatchdogAfter.D(),
		MaxResets:     w.MaxResets,
		DefaultScope:  w.DefaultScope,
		PlanMode:      w.PlanMode,
	}
}

// LanOptions returns the LAN engine configuration.
func (c *Config) LanOptions() engines.LanConfig {
	return engines.LanConfig{Enabled: c.Lan.Enabled, SafeMode: c.Lan.SafeMode, MaxJobsPerTick: c.Lan.MaxJobsPerTick}
}

// WifiOptions returns the WiFi engine configuration.
func (c *Config) WifiOptions() engines.WifiConfig {
	return engines.WifiConfig{Enabled: c.Wifi.Enabled, SafeMode: c.Wifi.SafeMode, ScanInterval: c.Wifi.ScanInterval.D()}
}
