// Package incident owns the incident aggregate: lifecycle transitions,
// evidence timeline accumulation, and severity escalation. All mutation
// happens through the operations here while the caller holds the handle
// lock from the registry.
package incident

import (
	"fmt"
	"time"

	"github.com/fleetwatch/incident-engine/internal/models"
	"github.com/fleetwatch/incident-engine/internal/utils"
)

const (
	// MetaSyntheticTracking flags incidents whose timeline contains at
	// least one generated tracking id.
	MetaSyntheticTracking = "synthetic_tracking_ids"
	// MetaReconciledFrom records the duplicate incident folded into this one.
	MetaReconciledFrom = "reconciled_from"
	// MetaCorrelatedShips accumulates ships gained through cross-key merges.
	MetaCorrelatedShips = "correlated_ships"
)

// SeverityMapper converts an event's score/threshold pair into a severity.
// The mapping is injected configuration, never a hardcoded table.
type SeverityMapper func(score, threshold float64) models.Severity

// Cutoff maps a score/threshold ratio floor to a severity level.
type Cutoff struct {
	Ratio    float64
	Severity models.Severity
}

// MapperFromCutoffs builds a SeverityMapper from descending ratio cutoffs.
// A non-positive threshold falls back to treating the score as the ratio.
func MapperFromCutoffs(cutoffs []Cutoff) SeverityMapper {
	return func(score, threshold float64) models.Severity {
		ratio := score
		if threshold > 0 {
			ratio = score / threshold
		}
		for _, c := range cutoffs {
			if ratio >= c.Ratio {
				return c.Severity
			}
		}
		return models.SeverityLow
	}
}

// DefaultCutoffs is the startup default severity table.
func DefaultCutoffs() []Cutoff {
	return []Cutoff{
		{Ratio: 3.0, Severity: models.SeverityCritical},
		{Ratio: 2.0, Severity: models.SeverityHigh},
		{Ratio: 1.5, Severity: models.SeverityMedium},
		{Ratio: 1.0, Severity: models.SeverityLow},
	}
}

// New opens an incident from its first contributing event. The correlation
// id is fixed to that event's tracking identifier for the incident's life.
func New(id string, ev models.AnomalyEvent, trackingID string, synthetic bool, sev models.Severity, now time.Time) *models.Incident {
	inc := &models.Incident{
		ID:            id,
		Type:          ev.AnomalyType,
		Severity:      sev,
		ShipID:        ev.ShipID,
		Service:       ev.Service,
		Status:        models.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: trackingID,
		Metadata:      map[string]string{},
	}
	appendEntry(inc, ev, trackingID, synthetic, sev, now)
	return inc
}

// Apply folds a contributing event into an open or acknowledged incident:
// timeline append, updated_at bump, monotonic severity escalation, and a
// correlated-event reference. Returns the appended entry for the outbound
// delta. Applying to a RESOLVED or CLOSED incident is a caller bug.
func Apply(inc *models.Incident, ev models.AnomalyEvent, trackingID string, synthetic bool, sev models.Severity, now time.Time) (models.TimelineEntry, error) {
	if inc.Status == models.StatusResolved || inc.Status == models.StatusClosed {
		return models.TimelineEntry{}, utils.NewAppError("incident.Apply",
			fmt.Sprintf("incident %s is %s", inc.ID, inc.Status), nil)
	}
	entry := appendEntry(inc, ev, trackingID, synthetic, sev, now)
	if ev.ShipID != inc.ShipID {
		// Cross-key merges may widen ship membership, never silently: the
		// gain is recorded in metadata alongside the merge itself.
		appendMeta(inc, MetaCorrelatedShips, ev.ShipID)
	}
	return entry, nil
}

// Acknowledge marks the incident acknowledged. Evidence accumulation is
// unaffected. Only OPEN incidents can be acknowledged.
func Acknowledge(inc *models.Incident, now time.Time) error {
	if !inc.Status.CanTransition(models.StatusAcknowledged) {
		return transitionErr(inc, models.StatusAcknowledged)
	}
	if inc.Status != models.StatusOpen {
		return transitionErr(inc, models.StatusAcknowledged)
	}
	inc.Status = models.StatusAcknowledged
	inc.Acknowledged = true
	touch(inc, now)
	return nil
}

// Resolve transitions OPEN or ACKNOWLEDGED to RESOLVED after the
// suppression window expired with no corroborating activity. Severity is
// never decreased retroactively.
func Resolve(inc *models.Incident, now time.Time) error {
	if !inc.Status.CanTransition(models.StatusResolved) {
		return transitionErr(inc, models.StatusResolved)
	}
	inc.Status = models.StatusResolved
	touch(inc, now)
	return nil
}

// Close transitions RESOLVED to CLOSED after the quiescence period. CLOSED
// is terminal; a later occurrence opens a brand-new incident.
func Close(inc *models.Incident, now time.Time) error {
	if inc.Status != models.StatusResolved {
		return transitionErr(inc, models.StatusClosed)
	}
	inc.Status = models.StatusClosed
	touch(inc, now)
	return nil
}

// Reconcile folds a duplicate incident into the survivor: timeline entries
// are re-sequenced onto the survivor, severity escalates monotonically, and
// the merge is recorded for audit. The duplicate is closed.
func Reconcile(survivor, dup *models.Incident, now time.Time) error {
	if survivor.Status == models.StatusClosed {
		return transitionErr(survivor, survivor.Status)
	}
	for _, entry := range dup.Timeline {
		entry.Seq = len(survivor.Timeline) + 1
		survivor.Timeline = append(survivor.Timeline, entry)
		survivor.CorrelatedEvents = append(survivor.CorrelatedEvents, models.EventRef{
			TrackingID:  entry.TrackingID,
			AnomalyType: entry.AnomalyType,
			Detector:    entry.Detector,
		})
	}
	survivor.Severity = survivor.Severity.Max(dup.Severity)
	appendMeta(survivor, MetaReconciledFrom, dup.ID)
	touch(survivor, now)

	dup.Status = models.StatusClosed
	touch(dup, now)
	return nil
}

// SuggestRunbooks stores recommendations pushed by the external recommender.
func SuggestRunbooks(inc *models.Incident, runbooks []string, now time.Time) {
	seen := make(map[string]struct{}, len(inc.SuggestedRunbooks))
	for _, r := range inc.SuggestedRunbooks {
		seen[r] = struct{}{}
	}
	for _, r := range runbooks {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		inc.SuggestedRunbooks = append(inc.SuggestedRunbooks, r)
	}
	touch(inc, now)
}

func appendEntry(inc *models.Incident, ev models.AnomalyEvent, trackingID string, synthetic bool, sev models.Severity, now time.Time) models.TimelineEntry {
	entry := models.TimelineEntry{
		Seq:         len(inc.Timeline) + 1,
		TrackingID:  trackingID,
		Synthetic:   synthetic,
		Timestamp:   ev.Timestamp,
		ObservedAt:  now,
		Detector:    ev.Detector,
		AnomalyType: ev.AnomalyType,
		Score:       ev.Score,
		Threshold:   ev.Threshold,
		Severity:    sev,
	}
	inc.Timeline = append(inc.Timeline, entry)
	inc.CorrelatedEvents = append(inc.CorrelatedEvents, models.EventRef{
		TrackingID:  trackingID,
		AnomalyType: ev.AnomalyType,
		Detector:    ev.Detector,
	})
	inc.Severity = inc.Severity.Max(sev)
	if synthetic {
		if inc.Metadata == nil {
			inc.Metadata = map[string]string{}
		}
		inc.Metadata[MetaSyntheticTracking] = "true"
	}
	touch(inc, now)
	return entry
}

func touch(inc *models.Incident, now time.Time) {
	if now.After(inc.UpdatedAt) {
		inc.UpdatedAt = now
	}
	inc.ChangeSeq++
}

func appendMeta(inc *models.Incident, key, value string) {
	if inc.Metadata == nil {
		inc.Metadata = map[string]string{}
	}
	if existing := inc.Metadata[key]; existing != "" {
		inc.Metadata[key] = existing + "," + value
		return
	}
	inc.Metadata[key] = value
}

func transitionErr(inc *models.Incident, to models.Status) error {
	return utils.NewAppError("incident.transition",
		fmt.Sprintf("incident %s: %s -> %s is not allowed", inc.ID, inc.Status, to), nil)
}
