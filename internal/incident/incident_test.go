package incident

import (
	"strings"
	"testing"
	"time"

	"github.com/fleetwatch/incident-engine/internal/models"
)

func testEvent(score float64) models.AnomalyEvent {
	return models.AnomalyEvent{
		TrackingID:  "trk-1",
		Timestamp:   time.Unix(900, 0),
		ShipID:      "viking-star",
		Domain:      models.DomainNetwork,
		AnomalyType: "link_degradation",
		DeviceID:    "vsat-001",
		Service:     "modem",
		Score:       score,
		Threshold:   2.0,
		Detector:    "threshold-vsat",
	}
}

func TestNewFixesCorrelationID(t *testing.T) {
	now := time.Unix(1000, 0)
	inc := New("inc-1", testEvent(4), "trk-1", false, models.SeverityHigh, now)

	if inc.CorrelationID != "trk-1" {
		t.Fatalf("correlation id = %q, want trk-1", inc.CorrelationID)
	}
	if inc.Status != models.StatusOpen {
		t.Fatalf("status = %s, want OPEN", inc.Status)
	}
	if len(inc.Timeline) != 1 || inc.Timeline[0].Seq != 1 {
		t.Fatalf("unexpected timeline %+v", inc.Timeline)
	}
	if !inc.UpdatedAt.Equal(inc.CreatedAt) {
		t.Fatal("updated_at should equal created_at at creation")
	}
}

func TestApplySeverityMonotone(t *testing.T) {
	now := time.Unix(1000, 0)
	inc := New("inc-1", testEvent(6), "trk-1", false, models.SeverityCritical, now)

	if _, err := Apply(inc, testEvent(2), "trk-2", false, models.SeverityLow, now.Add(time.Minute)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if inc.Severity != models.SeverityCritical {
		t.Fatalf("severity decreased to %s", inc.Severity)
	}
	if len(inc.Timeline) != 2 || inc.Timeline[1].Seq != 2 {
		t.Fatalf("unexpected timeline %+v", inc.Timeline)
	}
	if inc.UpdatedAt.Before(inc.CreatedAt) {
		t.Fatal("updated_at < created_at")
	}
}

func TestApplyRejectedAfterResolve(t *testing.T) {
	now := time.Unix(1000, 0)
	inc := New("inc-1", testEvent(3), "trk-1", false, models.SeverityMedium, now)

	if err := Resolve(inc, now.Add(time.Minute)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := Apply(inc, testEvent(3), "trk-2", false, models.SeverityMedium, now.Add(2*time.Minute)); err == nil {
		t.Fatal("apply after resolve should fail")
	}
}

func TestLifecycleMonotonic(t *testing.T) {
	now := time.Unix(1000, 0)
	inc := New("inc-1", testEvent(3), "trk-1", false, models.SeverityMedium, now)

	if err := Acknowledge(inc, now.Add(time.Minute)); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !inc.Acknowledged || inc.Status != models.StatusAcknowledged {
		t.Fatalf("ack not applied: %+v", inc)
	}
	if err := Acknowledge(inc, now.Add(time.Minute)); err == nil {
		t.Fatal("double acknowledge should fail")
	}
	if err := Close(inc, now.Add(time.Minute)); err == nil {
		t.Fatal("close before resolve should fail")
	}
	if err := Resolve(inc, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := Close(inc, now.Add(3*time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := Resolve(inc, now.Add(4*time.Minute)); err == nil {
		t.Fatal("closed is terminal")
	}
}

func TestReconcileMergesTimelines(t *testing.T) {
	now := time.Unix(1000, 0)
	survivor := New("inc-a", testEvent(3), "trk-1", false, models.SeverityMedium, now)
	dup := New("inc-b", testEvent(8), "trk-2", false, models.SeverityCritical, now)

	if err := Reconcile(survivor, dup, now.Add(time.Minute)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(survivor.Timeline) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(survivor.Timeline))
	}
	if survivor.Timeline[1].Seq != 2 {
		t.Fatalf("merged entry not re-sequenced: %+v", survivor.Timeline[1])
	}
	if survivor.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s, want critical", survivor.Severity)
	}
	if !strings.Contains(survivor.Metadata[MetaReconciledFrom], "inc-b") {
		t.Fatalf("merge not recorded: %v", survivor.Metadata)
	}
	if dup.Status != models.StatusClosed {
		t.Fatalf("duplicate status = %s, want CLOSED", dup.Status)
	}
}

func TestSyntheticTrackingFlag(t *testing.T) {
	now := time.Unix(1000, 0)
	inc := New("inc-1", testEvent(3), "synth-abc", true, models.SeverityMedium, now)
	if inc.Metadata[MetaSyntheticTracking] != "true" {
		t.Fatalf("synthetic flag missing: %v", inc.Metadata)
	}
}

func TestMapperFromCutoffs(t *testing.T) {
	mapper := MapperFromCutoffs(DefaultCutoffs())

	cases := []struct {
		score, threshold float64
		want             models.Severity
	}{
		{6.5, 2.0, models.SeverityCritical},
		{4.1, 2.0, models.SeverityHigh},
		{3.1, 2.0, models.SeverityMedium},
		{2.0, 2.0, models.SeverityLow},
		{0.5, 2.0, models.SeverityLow},
		{3.5, 0, models.SeverityCritical}, // no threshold: score is the ratio
	}
	for _, tc := range cases {
		if got := mapper(tc.score, tc.threshold); got != tc.want {
			t.Errorf("mapper(%v, %v) = %s, want %s", tc.score, tc.threshold, got, tc.want)
		}
	}
}
