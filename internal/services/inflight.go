package services

import "sync"

// flightRegistry is the single-flight guard keyed by character ID. It is an
// explicit in-memory set with acquire/release, deliberately separate from
// the persisted character row so scheduling state never leaks into data the
// UI edits.
type flightRegistry struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newFlightRegistry() *flightRegistry {
	return &flightRegistry{ids: make(map[string]struct{})}
}

// TryAcquire claims the flight slot for id. It returns false when a cycle
// for id is already in flight.
func (f *flightRegistry) TryAcquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.ids[id]; held {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

// Release frees the flight slot for id. Releasing an unheld id is a no-op.
func (f *flightRegistry) Release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

// Len returns the number of in-flight cycles.
func (f *flightRegistry) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
