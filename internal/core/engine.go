package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/reconpi/internal/models"
)

// Engine is a subordinate subsystem started and stopped by the core.
type Engine interface {
	Name() string
	Start()
	Stop()
	Tick(ctx context.Context)
	Health() models.EngineHealth
}

// EngineRegistry holds engines by name.
type EngineRegistry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewEngineRegistry creates an empty registry.
func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{engines: make(map[string]Engine)}
}

// Register adds e, replacing any engine with the same name.
func (r *EngineRegistry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine called name, or nil.
func (r *EngineRegistry) Get(name string) Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[name]
}

// All returns engines sorted by name.
func (r *EngineRegistry) All() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// HealthAll collects every engine's health, stamping now where unset.
func (r *EngineRegistry) HealthAll(now time.Time) []models.EngineHealth {
	all := r.All()
	out := make([]models.EngineHealth, 0, len(all))
	for _, e := range all {
		h := e.Health()
		if h.TS.IsZero() {
			h.TS = now
		}
		out = append(out, h)
	}
	return out
}
