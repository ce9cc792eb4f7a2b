// Package store persists incident rows for the external query surface. The
// in-memory aggregates remain the source of truth; rows here are upserted
// after each finalized mutation and retention belongs to the store owner.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/fleetwatch/incident-engine/internal/models"
)

// ErrNotFound signals that an incident row does not exist.
var ErrNotFound = errors.New("incident not found")

// Store defines the persistence operations the dispatcher and API need.
type Store interface {
	Save(ctx context.Context, inc models.Incident) error
	Get(ctx context.Context, id string) (models.Incident, error)
	ListByStatus(ctx context.Context, status models.Status) ([]models.Incident, error)
	Close() error
}

// MemoryStore keeps incident rows in process memory. Used by tests and when
// no external store is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]models.Incident
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.Incident)}
}

// Save upserts an incident row.
func (s *MemoryStore) Save(_ context.Context, inc models.Incident) error {
	s.mu.Lock()
	s.rows[inc.ID] = inc.Clone()
	s.mu.Unlock()
	return nil
}

// Get fetches a row by incident id.
func (s *MemoryStore) Get(_ context.Context, id string) (models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.rows[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return inc.Clone(), nil
}

// ListByStatus returns rows with the given status, ordered by id.
func (s *MemoryStore) ListByStatus(_ context.Context, status models.Status) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Incident
	for _, inc := range s.rows {
		if inc.Status == status {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
