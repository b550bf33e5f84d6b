package adapter

import (
	"fmt"
	"sync"
)

// Registry maps server names to their adapters. It is safe for concurrent
// use; registration normally happens once at startup but the lock keeps
// late registration (e.g. tests) correct.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a server name, replacing any previous binding.
func (r *Registry) Register(server string, a Adapter) {
	r.mu.Lock()
	r.adapters[server] = a
	r.mu.Unlock()
}

// Get returns the adapter registered for server, or an error when none is
// bound. A missing adapter is a configuration/drift problem, so callers
// should treat it as a parse-class failure rather than target unavailability.
func (r *Registry) Get(server string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[server]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for server %q", server)
	}
	return a, nil
}

// Servers returns the registered server names (unordered).
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	return out
}
