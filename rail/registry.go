/*
registry.go - Process-wide lookup table of configured rail adapters

PURPOSE:
  Holds every configured adapter keyed by rail.ID and supplies them to the
  router, executor and reconciliation engine.

IMMUTABILITY:
  A Registry is built once and never mutated. Hot-reloading rail
  configuration constructs a new Registry and swaps it into the
  RegistryHolder atomically; in-flight callers keep the registry they
  already loaded.

USAGE:
  reg, err := rail.NewRegistry(pixAdapter, wireAdapter)
  holder := rail.NewRegistryHolder(reg)
  adapter, err := holder.Load().Get(rail.Pix)

SEE ALSO:
  - health.go: Mutable health state kept beside the registry
*/
package rail

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Registry is an immutable set of adapters.
type Registry struct {
	adapters map[ID]Adapter
	ids      []ID
}

// NewRegistry builds a registry. Two adapters for the same rail is an error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[ID]Adapter, len(adapters))}
	for _, a := range adapters {
		id := a.ID()
		if _, exists := r.adapters[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRail, id)
		}
		r.adapters[id] = a
		r.ids = append(r.ids, id)
	}
	sort.Slice(r.ids, func(i, j int) bool { return r.ids[i] < r.ids[j] })
	return r, nil
}

// Get returns the adapter for a rail.
func (r *Registry) Get(id ID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRail, id)
	}
	return a, nil
}

// IDs returns the configured rails ordered by id.
func (r *Registry) IDs() []ID {
	out := make([]ID, len(r.ids))
	copy(out, r.ids)
	return out
}

// List returns the adapters ordered by rail id.
func (r *Registry) List() []Adapter {
	out := make([]Adapter, len(r.ids))
	for i, id := range r.ids {
		out[i] = r.adapters[id]
	}
	return out
}

// Len returns the number of configured rails.
func (r *Registry) Len() int { return len(r.ids) }

// =============================================================================
// HOLDER - Atomic swap point for hot reload
// =============================================================================

// RegistryHolder publishes the current registry to concurrent readers.
type RegistryHolder struct {
	current atomic.Pointer[Registry]
}

// NewRegistryHolder wraps an initial registry.
func NewRegistryHolder(r *Registry) *RegistryHolder {
	h := &RegistryHolder{}
	h.current.Store(r)
	return h
}

// Load returns the registry in effect right now.
func (h *RegistryHolder) Load() *Registry {
	return h.current.Load()
}

// Swap replaces the registry and returns the previous one.
func (h *RegistryHolder) Swap(r *Registry) *Registry {
	return h.current.Swap(r)
}
