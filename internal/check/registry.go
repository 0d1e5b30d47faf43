package check

import (
	"sort"
	"sync"

	"iptv-playback/internal/playback"
)

// Registry tracks the playback sessions currently being checked. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*playback.Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*playback.Session)}
}

// Add registers s under its id. Adding the same session twice is a no-op.
func (r *Registry) Add(s *playback.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove forgets the session with the given id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// ActiveCount returns the number of registered sessions that are not idle.
// Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.State() != playback.StateIdle {
			n++
		}
	}
	return n
}

// Snapshots returns a view of every registered session ordered by id.
func (r *Registry) Snapshots() []playback.Snapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sessions := make([]*playback.Session, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		sessions = append(sessions, r.sessions[id])
	}
	r.mu.RUnlock()

	out := make([]playback.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
