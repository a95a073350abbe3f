// Package actions maps action ids to specifications and implementations and
// runs them behind the policy gate.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/reconpi/internal/models"
)

// ErrUnknownAction indicates no implementation is registered for an id.
var ErrUnknownAction = errors.New("unknown action")

// Impl runs one action. The default implementation is Runner.Execute.
type Impl func(ctx context.Context, r *Runner, spec models.ActionSpec, req Request) Outcome

// Builtin is the in-process body of a builtin-driver action.
type Builtin func(ctx context.Context, payload map[string]interface{}) (models.ActionResult, error)

// DefaultImpl delegates to the execution gate.
func DefaultImpl(ctx context.Context, r *Runner, spec models.ActionSpec, req Request) Outcome {
	return r.Execute(ctx, spec, req)
}

// Registry holds id -> spec and id -> implementation.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]models.ActionSpec
	impls    map[string]Impl
	builtins map[string]Builtin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:    make(map[string]models.ActionSpec),
		impls:    make(map[string]Impl),
		builtins: make(map[string]Builtin),
	}
}

// Register adds spec with the default implementation unless one is
// already installed for its id.
func (r *Registry) Register(spec models.ActionSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("register action: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.ID] = spec
	if _, ok := r.impls[spec.ID]; !ok {
		r.impls[spec.ID] = DefaultImpl
	}
	return nil
}

// RegisterImpl installs a custom implementation for id.
func (r *Registry) RegisterImpl(id string, impl Impl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[id] = impl
}

// RegisterBuiltin installs the in-process body used when id's driver is builtin.
func (r *Registry) RegisterBuiltin(id string, fn Builtin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[id] = fn
}

// Get returns the spec for id.
func (r *Registry) Get(id string) (models.ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	return spec, ok
}

// Has reports whether id has a spec.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// GetImpl returns the implementation for id or ErrUnknownAction.
func (r *Registry) GetImpl(id string) (Impl, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	return impl, nil
}

func (r *Registry) builtin(id string) (Builtin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.builtins[id]
	return fn, ok
}

// All returns every spec sorted by id.
func (r *Registry) All() []models.ActionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ActionSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCategory returns the specs in category sorted by id.
func (r *Registry) ByCategory(category string) []models.ActionSpec {
	var out []models.ActionSpec
	for _, s := range r.All() {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}
