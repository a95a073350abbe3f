package worker

import "time"

// Config defines the worker loop configuration.
type Config struct {
	// PollInterval is the sleep between iterations when nothing is queued.
	PollInterval time.Duration `yaml:"poll_interval"`
	// WatchdogAfter is how long a running job may go without progress.
	WatchdogAfter time.Duration `yaml:"watchdog_after"`
	// MaxResets is how many watchdog resets a job gets before it is failed.
	MaxResets int `yaml:"max_resets"`
	// DefaultScope is planned when a run request names neither a plan nor a scope.
	DefaultScope string `yaml:"default_scope"`
	// PlanMode is the mode of plans generated for run requests.
	PlanMode string `yaml:"plan_mode"`
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		WatchdogAfter: 300 * time.Second,
		MaxResets:     3,
		DefaultScope:  "10.0.10.0/24",
		PlanMode:      "autonomous_safe",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.WatchdogAfter <= 0 {
		c.WatchdogAfter = d.WatchdogAfter
	}
	if c.MaxResets <= 0 {
		c.MaxResets = d.MaxResets
	}
	if c.DefaultScope == "" {
		c.DefaultScope = d.DefaultScope
	}
	if c.PlanMode == "" {
		c.PlanMode = d.PlanMode
	}
	return c
}
