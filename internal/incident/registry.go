package incident

import (
	"sync"

	"github.com/fleetwatch/incident-engine/internal/models"
)

// Handle pairs an incident with its serialization lock. Events for one
// suppression key arrive on one lane, but a correlated incident can absorb
// events from several keys, so mutation still takes the per-incident lock.
type Handle struct {
	mu  sync.Mutex
	inc *models.Incident
}

// Lock acquires the mutation lock and returns the incident.
func (h *Handle) Lock() *models.Incident {
	h.mu.Lock()
	return h.inc
}

// Unlock releases the mutation lock.
func (h *Handle) Unlock() { h.mu.Unlock() }

// Snapshot deep-copies the incident under the lock.
func (h *Handle) Snapshot() models.Incident {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inc.Clone()
}

// Registry holds every live incident aggregate in memory. The in-memory
// state is the source of truth until the dispatcher's publish is
// acknowledged downstream.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Put registers a freshly created incident and returns its handle.
func (r *Registry) Put(inc *models.Incident) *Handle {
	h := &Handle{inc: inc}
	r.mu.Lock()
	r.handles[inc.ID] = h
	r.mu.Unlock()
	return h
}

// Get returns the handle for an incident id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	return h, ok
}

// Delete removes a handle from memory. Used only for CLOSED incidents that
// have been flushed downstream; persisted rows are untouched.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Snapshots copies every incident matching the filter. A nil filter matches
// all.
func (r *Registry) Snapshots(filter func(models.Incident) bool) []models.Incident {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make([]models.Incident, 0, len(handles))
	for _, h := range handles {
		snap := h.Snapshot()
		if filter == nil || filter(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// OpenCount counts incidents that are neither RESOLVED nor CLOSED.
func (r *Registry) OpenCount() int {
	n := 0
	for _, snap := range r.Snapshots(nil) {
		if snap.Status == models.StatusOpen || snap.Status == models.StatusAcknowledged {
			n++
		}
	}
	return n
}
