package models

import "time"

// Severity captures impact levels. Severity never decreases while an
// incident is open.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for monotonic escalation.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Status enumerates the incident lifecycle. Transitions are monotonic:
// OPEN -> ACKNOWLEDGED -> RESOLVED -> CLOSED, with ACKNOWLEDGED optional.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
	StatusClosed       Status = "CLOSED"
)

func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusResolved:
		return 2
	case StatusClosed:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. Skipping ACKNOWLEDGED is allowed; going backwards never is.
func (s Status) CanTransition(next Status) bool {
	return next.rank() > s.rank()
}

// TimelineEntry records one contributing event on an incident's evidence
// timeline. Seq is the per-incident sequence number assigned at append time;
// ordering follows arrival at the aggregator, not origin timestamps.
type TimelineEntry struct {
	Seq         int       `json:"seq"`
	TrackingID  string    `json:"tracking_id"`
	Synthetic   bool      `json:"synthetic,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ObservedAt  time.Time `json:"observed_at"`
	Detector    string    `json:"detector"`
	AnomalyType string    `json:"anomaly_type"`
	Score       float64   `json:"score"`
	Threshold   float64   `json:"threshold"`
	Severity    Severity  `json:"severity"`
}

// EventRef is a lightweight reference to a correlated contributing event.
type EventRef struct {
	TrackingID  string `json:"tracking_id"`
	AnomalyType string `json:"anomaly_type"`
	Detector    string `json:"detector"`
}

// Incident is the aggregate produced by suppression and correlation. It is
// mutated only through the aggregator's defined transitions and persisted by
// the dispatch collaborator; the core marks incidents CLOSED but never
// deletes persisted rows.
type Incident struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Severity          Severity          `json:"severity"`
	ShipID            string            `json:"ship_id"`
	Service           string            `json:"service,omitempty"`
	Status            Status            `json:"status"`
	Acknowledged      bool              `json:"acknowledged"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CorrelationID     string            `json:"correlation_id"`
	Timeline          []TimelineEntry   `json:"timeline"`
	CorrelatedEvents  []EventRef        `json:"correlated_events"`
	SuggestedRunbooks []string          `json:"suggested_runbooks,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ChangeSeq         uint64            `json:"change_seq"`
}

// Clone deep-copies the incident so snapshots can leave the aggregator's
// lock without sharing mutable slices.
func (i Incident) Clone() Incident {
	out := i
	out.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	out.CorrelatedEvents = append([]EventRef(nil), i.CorrelatedEvents...)
	out.SuggestedRunbooks = append([]string(nil), i.SuggestedRunbooks...)
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// ChangeKind labels outbound notifications.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "incident.created"
	ChangeUpdated ChangeKind = "incident.updated"
)

// Delta describes what triggered a notification: either a new timeline
// entry or a lifecycle change.
type Delta struct {
	Reason string         `json:"reason"`
	Entry  *TimelineEntry `json:"entry,omitempty"`
}

// Notification is the outbound record for IncidentCreated/IncidentUpdated.
// Seq mirrors the incident's change sequence so downstream consumers can
// deduplicate at-least-once delivery by (incident id, seq).
type Notification struct {
	Kind      ChangeKind `json:"kind"`
	Seq       uint64     `json:"seq"`
	EmittedAt time.Time  `json:"emitted_at"`
	Delta     Delta      `json:"delta"`
	Incident  Incident   `json:"incident"`
}
