// Package core owns the top-level operating state of the appliance.
//
// The state machine reacts to ui.handoff.request and lan.done events, holds
// the radio lease for the current state and starts or stops the wifi and
// lan engines accordingly.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/reconpi/internal/models"
)

// Engine names the state machine switches between.
const (
	EngineWifi = "wifi"
	EngineLan  = "lan"
)

// Topics the state machine reacts to.
const (
	TopicHandoffRequest = "ui.handoff.request"
	TopicLanDone        = "lan.done"
)

// Bus is the event log subset the core needs.
type Bus interface {
	Publish(topic string, payload map[string]interface{}) (*models.Event, error)
	Tail(limit int, topicPrefix string) ([]models.Event, error)
}

// HandoffPolicy decides whether a handoff request may proceed.
type HandoffPolicy interface {
	AllowHandoff(payload map[string]interface{}) bool
}

// Leases grants exclusive, expiring ownership of a resource.
type Leases interface {
	Acquire(resource, owner string, ttl time.Duration) (bool, error)
	Release(resource, owner string) (bool, error)
}

// StateObserver is told about every state change.
type StateObserver interface {
	ObserveState(state models.CoreState)
}

// Config configures the state machine.
type Config struct {
	DefaultState models.CoreState
	// Resource is the lease guarding the radio.
	Resource string
	LeaseTTL time.Duration
	// EventWindow bounds how many recent events one tick inspects per topic.
	EventWindow int
}

// DefaultConfig returns the default core configuration.
func DefaultConfig() Config {
	return Config{
		DefaultState: models.StateWifiObserve,
		Resource:     "wifi",
		LeaseTTL:     30 * time.Second,
		EventWindow:  200,
	}
}

// Core is the top-level state machine.
type Core struct {
	bus     Bus
	leases  Leases
	engines *EngineRegistry
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	policy   HandoffPolicy
	observer StateObserver
	status   models.CoreStatus
	lastSeen int64
	holding  bool
	owner    string
}

// New creates a core in cfg.DefaultState. Engines are not started until
// Activate or the first transition. logger may be nil.
func New(bus Bus, pol HandoffPolicy, leases Leases, engines *EngineRegistry, cfg Config, logger *slog.Logger) *Core {
	d := DefaultConfig()
	if cfg.DefaultState == "" {
		cfg.DefaultState = d.DefaultState
	}
	if cfg.Resource == "" {
		cfg.Resource = d.Resource
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = d.LeaseTTL
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = d.EventWindow
	}
	if engines == nil {
		engines = NewEngineRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		bus:     bus,
		leases:  leases,
		engines: engines,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		policy:  pol,
	}
	c.status = models.CoreStatus{State: cfg.DefaultState, Since: c.now().UTC()}
	return c
}

// SetClock overrides the time source.
func (c *Core) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetPolicy swaps the handoff policy.
func (c *Core) SetPolicy(p HandoffPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// SetObserver installs a state observer.
func (c *Core) SetObserver(o StateObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Engines returns the engine registry.
func (c *Core) Engines() *EngineRegistry {
	return c.engines
}

// Status returns a copy of the current status.
func (c *Core) Status() models.CoreStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Prime marks every event already in the log as seen, so a restart does not
// replay old handoff requests.
func (c *Core) Prime() error {
	evs, err := c.bus.Tail(1, "")
	if err != nil {
		return fmt.Errorf("prime core: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(evs) > 0 {
		c.lastSeen = evs[0].ID
	}
	return nil
}

// Activate applies the current state to the lease and engines.
func (c *Core) Activate() error {
	return c.apply(c.Status().State)
}

// SetState records a transition, publishes core.state.changed and applies
// the new state's lease and engine layout.
func (c *Core) SetState(state models.CoreState, note string) error {
	c.mu.Lock()
	c.status = models.CoreStatus{State: state, Since: c.now().UTC(), Note: note}
	since := c.status.Since
	obs := c.observer
	c.mu.Unlock()

	c.publish("core.state.changed", map[string]interface{}{
		"state": string(state), "note": note, "ts": float64(since.UnixNano()) / 1e9,
	})
	if obs != nil {
		obs.ObserveState(state)
	}
	c.logger.Info("core state changed", "state", state, "note", note)
	return c.apply(state)
}

// apply acquires the radio lease for state and lays out the engines. A
// denied lease stops both engines and is noted on the status.
func (c *Core) apply(state models.CoreState) error {
	owner := "core:" + string(state)

	c.mu.RLock()
	prev, holding := c.owner, c.holding
	c.mu.RUnlock()
	if holding && prev != owner {
		if _, err := c.leases.Release(c.cfg.Resource, prev); err != nil {
			return fmt.Errorf("release %s lease: %w", c.cfg.Resource, err)
		}
	}

	ok, err := c.leases.Acquire(c.cfg.Resource, owner, c.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire %s lease: %w", c.cfg.Resource, err)
	}

	c.mu.Lock()
	c.holding = ok
	c.owner = owner
	if !ok {
		c.status.Note = fmt.Sprintf("%s lease denied for %s", c.cfg.Resource, owner)
	}
	c.mu.Unlock()

	if !ok {
		c.publish("core.resource.denied", map[string]interface{}{"resource": c.cfg.Resource, "owner": owner})
		c.stopEngine(EngineWifi)
		c.stopEngine(EngineLan)
		return nil
	}
	c.publish("core.resource.acquired", map[string]interface{}{"resource": c.cfg.Resource, "owner": owner})

	switch state {
	case models.StateWifiObserve:
		c.stopEngine(EngineLan)
		c.startEngine(EngineWifi)
	case models.StateLanOps:
		c.stopEngine(EngineWifi)
		c.startEngine(EngineLan)
	default:
		c.stopEngine(EngineWifi)
		c.stopEngine(EngineLan)
	}
	return nil
}

// renew keeps the lease for the current state alive. A lease that was
// denied earlier is retried here and, once granted, the state is applied.
func (c *Core) renew() error {
	c.mu.RLock()
	state, holding := c.status.State, c.holding
	c.mu.RUnlock()

	if !holding {
		return c.apply(state)
	}
	ok, err := c.leases.Acquire(c.cfg.Resource, "core:"+string(state), c.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("renew %s lease: %w", c.cfg.Resource, err)
	}
	if !ok {
		return c.apply(state)
	}
	return nil
}

// Tick drains new transition events, renews the lease, ticks every engine
// and publishes core.health.
func (c *Core) Tick(ctx context.Context) error {
	events, err := c.pending()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := c.handle(ev); err != nil {
			return err
		}
	}
	if err := c.renew(); err != nil {
		return err
	}

	for _, e := range c.engines.All() {
		e.Tick(ctx)
	}

	st := c.Status()
	health := c.engines.HealthAll(c.now().UTC())
	c.publish("core.health", map[string]interface{}{
		"state":   string(st.State),
		"note":    st.Note,
		"engines": health,
	})
	return nil
}

// pending returns unseen transition events in insertion order.
func (c *Core) pending() ([]models.Event, error) {
	c.mu.RLock()
	last := c.lastSeen
	c.mu.RUnlock()

	var out []models.Event
	for _, topic := range []string{TopicHandoffRequest, TopicLanDone} {
		evs, err := c.bus.Tail(c.cfg.EventWindow, topic)
		if err != nil {
			return nil, fmt.Errorf("tail %s: %w", topic, err)
		}
		for _, ev := range evs {
			if ev.ID > last && ev.Topic == topic {
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Core) handle(ev models.Event) error {
	c.mu.Lock()
	if ev.ID > c.lastSeen {
		c.lastSeen = ev.ID
	}
	state, pol := c.status.State, c.policy
	c.mu.Unlock()

	switch ev.Topic {
	case TopicHandoffRequest:
		if state != models.StateWifiObserve {
			c.publish("core.handoff.ignored", map[string]interface{}{"state": string(state), "event_id": ev.ID})
			return nil
		}
		if pol == nil || !pol.AllowHandoff(ev.Payload) {
			c.publish("policy.blocked", map[string]interface{}{
				"reason": "handoff not allowed", "payload": ev.Payload, "source": "core",
			})
			return nil
		}
		if err := c.SetState(models.StateHandoffPrepare, "handoff approved"); err != nil {
			return err
		}
		return c.SetState(models.StateLanOps, "lan ops running")

	case TopicLanDone:
		if state == models.StateWifiObserve {
			return nil
		}
		return c.SetState(models.StateWifiObserve, "lan ops finished")
	}
	return nil
}

func (c *Core) startEngine(name string) {
	if e := c.engines.Get(name); e != nil {
		e.Start()
	}
}

func (c *Core) stopEngine(name string) {
	if e := c.engines.Get(name); e != nil {
		e.Stop()
	}
}

func (c *Core) publish(topic string, payload map[string]interface{}) {
	if _, err := c.bus.Publish(topic, payload); err != nil {
		c.logger.Error("publish failed", "topic", topic, "error", err)
	}
}
