package session

import (
	"sync"

	"github.com/google/uuid"
)

// registry serializes command execution per session. Each session ID maps to
// a refcounted mutex; the entry is dropped once the last holder releases it,
// so the map stays proportional to in-flight sessions, not total sessions.
type registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*registryEntry
}

type registryEntry struct {
	mu   sync.Mutex
	refs int
}

func newRegistry() *registry {
	return &registry{entries: make(map[uuid.UUID]*registryEntry)}
}

// acquire blocks until the caller holds the session's mutex and returns the
// release function. Commands for different sessions proceed concurrently;
// commands for the same session run one at a time in arrival order.
func (r *registry) acquire(id uuid.UUID) (release func()) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &registryEntry{}
		r.entries[id] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(r.entries, id)
		}
		r.mu.Unlock()
	}
}
