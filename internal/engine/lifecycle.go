package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/fleetwatch/incident-engine/internal/incident"
	"github.com/fleetwatch/incident-engine/internal/metrics"
	"github.com/fleetwatch/incident-engine/internal/models"
)

// sweepOnce runs one pass of the background maintenance: evict expired
// suppression bindings, resolve incidents whose keys stayed silent through
// the grace period, and close resolved incidents after the quiescence
// period. Runs off the hot path; a late event racing a sweep simply wins.
func (e *Engine) sweepOnce(now time.Time) {
	for _, exp := range e.tracker.Sweep(now) {
		e.memMu.Lock()
		if m := e.mem[exp.IncidentID]; m != nil {
			delete(m.skeys, exp.Key)
			if len(m.skeys) == 0 {
				if _, already := e.pending[exp.IncidentID]; !already {
					e.pending[exp.IncidentID] = exp.Deadline
				}
			}
		}
		e.memMu.Unlock()
	}

	e.resolveQuiet(now)
	e.closeQuiet(now)
	metrics.SetOpenIncidents(e.registry.OpenCount())
}

// resolveQuiet transitions incidents whose suppression keys all expired and
// which saw no corroborating activity within the resolve grace period.
func (e *Engine) resolveQuiet(now time.Time) {
	e.memMu.Lock()
	due := make(map[string]time.Time, len(e.pending))
	for id, expiredAt := range e.pending {
		if !now.Before(expiredAt.Add(e.cfg.ResolveGrace)) {
			due[id] = expiredAt
		}
	}
	e.memMu.Unlock()

	for id, expiredAt := range due {
		h, ok := e.registry.Get(id)
		if !ok {
			e.cancelPending(id)
			continue
		}

		inc := h.Lock()
		if inc.UpdatedAt.After(expiredAt) {
			// Evidence kept arriving through another key; not quiet.
			h.Unlock()
			e.cancelPending(id)
			continue
		}
		if err := incident.Resolve(inc, now); err != nil {
			h.Unlock()
			e.cancelPending(id)
			continue
		}
		snapshot := inc.Clone()
		h.Unlock()

		e.cancelPending(id)
		e.unhookFromIndex(id)
		metrics.ObserveIncident("resolved")
		e.emit(models.ChangeUpdated, snapshot, models.Delta{Reason: "resolved"})
	}
}

// closeQuiet closes RESOLVED incidents once the quiescence period passes
// with zero new contributing events, then drops them from working memory.
// Persisted rows are untouched; retention belongs to the store owner.
func (e *Engine) closeQuiet(now time.Time) {
	resolved := e.registry.Snapshots(func(inc models.Incident) bool {
		return inc.Status == models.StatusResolved &&
			!now.Before(inc.UpdatedAt.Add(e.cfg.CloseQuiescence))
	})

	for _, snap := range resolved {
		h, ok := e.registry.Get(snap.ID)
		if !ok {
			continue
		}
		inc := h.Lock()
		if err := incident.Close(inc, now); err != nil {
			h.Unlock()
			continue
		}
		snapshot := inc.Clone()
		h.Unlock()

		metrics.ObserveIncident("closed")
		e.emit(models.ChangeUpdated, snapshot, models.Delta{Reason: "closed"})
		e.dropMembership(snap.ID)
		e.registry.Delete(snap.ID)
	}
}

// unhookFromIndex removes a no-longer-open incident from correlation
// lookups while keeping its membership record for audit until close.
func (e *Engine) unhookFromIndex(incID string) {
	e.memMu.Lock()
	m := e.mem[incID]
	var ckeys []string
	if m != nil {
		for k := range m.ckeys {
			ckeys = append(ckeys, k)
		}
	}
	e.memMu.Unlock()
	if len(ckeys) > 0 {
		e.index.Remove(incID, ckeys)
	}
}

// Acknowledge marks an incident acknowledged on behalf of the external
// audit/UI collaborator.
func (e *Engine) Acknowledge(id string) (models.Incident, error) {
	h, ok := e.registry.Get(id)
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	inc := h.Lock()
	err := incident.Acknowledge(inc, e.now())
	snapshot := inc.Clone()
	h.Unlock()
	if err != nil {
		return models.Incident{}, err
	}

	e.emit(models.ChangeUpdated, snapshot, models.Delta{Reason: "acknowledged"})
	return snapshot, nil
}

// SuggestRunbooks stores recommendations pushed by the external recommender.
func (e *Engine) SuggestRunbooks(id string, runbooks []string) (models.Incident, error) {
	h, ok := e.registry.Get(id)
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	inc := h.Lock()
	incident.SuggestRunbooks(inc, runbooks, e.now())
	snapshot := inc.Clone()
	h.Unlock()

	e.emit(models.ChangeUpdated, snapshot, models.Delta{Reason: "runbooks"})
	return snapshot, nil
}

// Get returns a snapshot of a live incident.
func (e *Engine) Get(id string) (models.Incident, error) {
	h, ok := e.registry.Get(id)
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return h.Snapshot(), nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status models.Status
	ShipID string
	Since  time.Time
}

// List returns live incident snapshots matching the filter, most recently
// updated first.
func (e *Engine) List(filter ListFilter) []models.Incident {
	out := e.registry.Snapshots(func(inc models.Incident) bool {
		if filter.Status != "" && inc.Status != filter.Status {
			return false
		}
		if filter.ShipID != "" && !strings.EqualFold(inc.ShipID, filter.ShipID) {
			return false
		}
		if !filter.Since.IsZero() && inc.UpdatedAt.Before(filter.Since) {
			return false
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
