// Package tracking keeps the end-to-end tracking identifier chain unbroken.
// Identifiers are threaded explicitly through calls and carried on every
// timeline entry and outbound notification, never held in process-wide
// mutable state.
package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/fleetwatch/incident-engine/internal/models"
)

// SyntheticPrefix marks tracking ids generated for events that arrived
// without one.
const SyntheticPrefix = "synth-"

// Ensure returns the event's tracking id, generating a deterministic
// synthetic one when absent. The fallback is derived from the suppression
// key and the per-key arrival sequence so replays reproduce the same ids.
func Ensure(ev models.AnomalyEvent, suppressionKey string, seq uint64) (id string, synthetic bool) {
	if trimmed := strings.TrimSpace(ev.TrackingID); trimmed != "" {
		return trimmed, false
	}
	return Synthetic(suppressionKey, seq), true
}

// Synthetic derives the fallback tracking id for a suppression key and
// arrival sequence number. Deterministic, not random, so replay and tests
// reproduce identical chains.
func Synthetic(suppressionKey string, seq uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", suppressionKey, seq)))
	return SyntheticPrefix + hex.EncodeToString(sum[:12])
}

// Sequencer assigns per-suppression-key arrival sequence numbers. Lanes
// serialize same-key events, so contention here is across keys only.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewSequencer builds an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

// Next returns the arrival sequence number for the key, starting at 1.
func (s *Sequencer) Next(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[key]++
	return s.next[key]
}

type ctxKey struct{}

// WithID attaches a tracking id to the context for log enrichment on the
// ingest and API paths.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tracking id carried by the context, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
