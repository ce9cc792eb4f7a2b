// Package correlate maintains the inverted index from correlation keys to
// open incidents and picks the best merge candidate for a new event.
package correlate

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/fleetwatch/incident-engine/internal/keys"
)

const defaultShards = 32

type candidate struct {
	updatedAt time.Time
}

type shard struct {
	mu    sync.Mutex
	byKey map[string]map[string]candidate
}

// Index is a bucket-locked inverted mapping correlation key -> open incident
// set. Correlation lookups may touch incidents owned by other lanes, so all
// access goes through the shard locks.
type Index struct {
	horizon time.Duration
	shards  []*shard
}

// NewIndex builds an index with the given correlation horizon. Candidates
// whose last update is older than the horizon are ignored by lookups even
// while the incident stays open.
func NewIndex(horizon time.Duration, shardCount int) *Index {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{byKey: make(map[string]map[string]candidate)}
	}
	return &Index{horizon: horizon, shards: shards}
}

// Add registers an open incident under each correlation key.
func (x *Index) Add(incidentID string, ckeys []string, now time.Time) {
	for _, key := range ckeys {
		s := x.shard(key)
		s.mu.Lock()
		set := s.byKey[key]
		if set == nil {
			set = make(map[string]candidate)
			s.byKey[key] = set
		}
		set[incidentID] = candidate{updatedAt: now}
		s.mu.Unlock()
	}
}

// Touch refreshes the recency of an incident's membership after it absorbs
// another event. Unknown keys are ignored.
func (x *Index) Touch(incidentID string, ckeys []string, now time.Time) {
	for _, key := range ckeys {
		s := x.shard(key)
		s.mu.Lock()
		if set, ok := s.byKey[key]; ok {
			if _, ok := set[incidentID]; ok {
				set[incidentID] = candidate{updatedAt: now}
			}
		}
		s.mu.Unlock()
	}
}

// Remove drops an incident from the given keys, deleting emptied postings.
func (x *Index) Remove(incidentID string, ckeys []string) {
	for _, key := range ckeys {
		s := x.shard(key)
		s.mu.Lock()
		if set, ok := s.byKey[key]; ok {
			delete(set, incidentID)
			if len(set) == 0 {
				delete(s.byKey, key)
			}
		}
		s.mu.Unlock()
	}
}

// FindCandidate returns the best open incident sharing at least one key
// within the horizon. Tie-break: most specific key first, then most
// recently updated incident, then smallest incident id so replays are
// deterministic. ok is false when no candidate matches.
func (x *Index) FindCandidate(ckeys []string, now time.Time) (string, bool) {
	bestID := ""
	bestSpec := -1
	var bestAt time.Time

	for _, key := range ckeys {
		spec := keys.Specificity(key)
		if spec < bestSpec {
			// Keys arrive most specific first; nothing broader can win.
			break
		}
		s := x.shard(key)
		s.mu.Lock()
		for id, c := range s.byKey[key] {
			if x.horizon > 0 && now.Sub(c.updatedAt) > x.horizon {
				continue
			}
			if better(spec, c.updatedAt, id, bestSpec, bestAt, bestID) {
				bestID, bestSpec, bestAt = id, spec, c.updatedAt
			}
		}
		s.mu.Unlock()
	}
	return bestID, bestID != ""
}

func better(spec int, at time.Time, id string, bestSpec int, bestAt time.Time, bestID string) bool {
	if bestID == "" {
		return true
	}
	if spec != bestSpec {
		return spec > bestSpec
	}
	if !at.Equal(bestAt) {
		return at.After(bestAt)
	}
	return id < bestID
}

func (x *Index) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return x.shards[h.Sum32()%uint32(len(x.shards))]
}
