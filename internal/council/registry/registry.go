// Package registry keeps recent deliberation sessions in memory for
// snapshot reads and history listings.
package registry

import (
	"sync"

	"github.com/datacendia/council/internal/council/session"
)

// DefaultCapacity bounds the registry when no capacity is configured.
const DefaultCapacity = 20

// Registry is an insertion-ordered, capacity-bounded store of sessions.
//
// Eviction walks oldest-first and skips in-flight sessions, so a live
// deliberation is never dropped mid-stream. One writer (the dispatcher)
// mutates it; HTTP handlers read concurrently.
type Registry struct {
	mu       sync.Mutex
	capacity int
	order    []string
	sessions map[string]session.Session
}

// New creates a registry bounded to capacity sessions. A capacity of zero
// or less falls back to DefaultCapacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		sessions: make(map[string]session.Session),
	}
}

// Put stores or replaces a session snapshot, evicting the oldest
// completed session when the bound is exceeded.
func (r *Registry) Put(snapshot session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[snapshot.ID]; !ok {
		r.order = append(r.order, snapshot.ID)
	}
	r.sessions[snapshot.ID] = snapshot

	for len(r.order) > r.capacity {
		evicted := false
		for i, id := range r.order {
			if !r.sessions[id].Completed() {
				continue
			}
			delete(r.sessions, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			// Every session is in flight; the bound yields rather than
			// dropping live state.
			break
		}
	}
}

// Get returns the snapshot for id and whether it exists.
func (r *Registry) Get(id string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot, ok := r.sessions[id]
	return snapshot, ok
}

// List returns snapshots newest-first.
func (r *Registry) List() []session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	listed := make([]session.Session, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if snapshot, ok := r.sessions[r.order[i]]; ok {
			listed = append(listed, snapshot)
		}
	}
	return listed
}

// Len returns the number of retained sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
