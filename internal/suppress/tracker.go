// Package suppress tracks the open-incident binding per suppression key
// inside a sliding window. The tracker only answers "is this condition
// already open"; resolve and close decisions stay with the aggregator.
package suppress

import (
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 32

type entry struct {
	incidentID  string
	lastSeen    time.Time
	deadline    time.Time
	provisional bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Tracker maps suppression keys to live incident bindings with a TTL that
// re-arms on every matching event. Buckets are independently locked so lanes
// only contend when their keys hash together.
type Tracker struct {
	window time.Duration
	shards []*shard
}

// Expired reports a binding removed by a sweep, for the aggregator to run
// its resolve decision against.
type Expired struct {
	Key        string
	IncidentID string
	LastSeen   time.Time
	Deadline   time.Time
}

// NewTracker builds a tracker with the given window. shardCount <= 0 picks
// a sensible default.
func NewTracker(window time.Duration, shardCount int) *Tracker {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]entry)}
	}
	return &Tracker{window: window, shards: shards}
}

// Observe checks for a live binding. A live bound entry is re-armed to
// now+window and its incident id returned. Otherwise a provisional entry is
// inserted and ok is false, signalling the caller to create or correlate.
// Callers for the same key are expected to be serialized (one lane per key).
func (t *Tracker) Observe(key string, now time.Time) (incidentID string, ok bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if exists && now.Before(e.deadline) && !e.provisional {
		e.lastSeen = now
		e.deadline = now.Add(t.window)
		s.entries[key] = e
		return e.incidentID, true
	}

	// Expired or absent: lazily evict and reserve.
	s.entries[key] = entry{
		lastSeen:    now,
		deadline:    now.Add(t.window),
		provisional: true,
	}
	return "", false
}

// Bind finalises a provisional reservation with the incident that now owns
// the key. Binding an unreserved key is allowed; a late sweep may have
// removed the reservation. Returns the id of a different incident that was
// already bound, if one was, so the caller can reconcile the duplicate.
func (t *Tracker) Bind(key, incidentID string, now time.Time) (prev string) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.provisional && e.incidentID != incidentID && now.Before(e.deadline) {
		prev = e.incidentID
	}
	s.entries[key] = entry{
		incidentID: incidentID,
		lastSeen:   now,
		deadline:   now.Add(t.window),
	}
	return prev
}

// Release drops a binding, used when a duplicate incident is reconciled
// into its survivor and the key should rebind.
func (t *Tracker) Release(key string) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Rebind points an existing binding at a different incident, preserving the
// current deadline. Used by merge reconciliation.
func (t *Tracker) Rebind(key, incidentID string) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.incidentID = incidentID
		e.provisional = false
		s.entries[key] = e
	}
}

// Sweep removes entries whose deadline passed and returns the expired bound
// ones. Provisional leftovers are dropped silently. Eviction has no side
// effect on incidents.
func (t *Tracker) Sweep(now time.Time) []Expired {
	var out []Expired
	for _, s := range t.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if now.Before(e.deadline) {
				continue
			}
			delete(s.entries, key)
			if !e.provisional {
				out = append(out, Expired{Key: key, IncidentID: e.incidentID, LastSeen: e.lastSeen, Deadline: e.deadline})
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Len counts live entries, for gauges and tests.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}
