package ingest

import (
	"testing"

	"github.com/fleetwatch/incident-engine/internal/models"
)

func TestDecodeValidBody(t *testing.T) {
	body := []byte(`{
		"tracking_id": "trk-1",
		"timestamp": "2026-08-01T12:00:00Z",
		"ship_id": "viking-star",
		"domain": "network",
		"anomaly_type": "link_degradation",
		"device_id": "vsat-001",
		"service": "modem",
		"score": 4.2,
		"threshold": 2.0,
		"detector": "threshold-vsat",
		"evidence": {"rssi": -78}
	}`)

	ev, err := Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Domain != models.DomainNetwork {
		t.Fatalf("domain = %s, want NETWORK", ev.Domain)
	}
	if ev.ShipID != "viking-star" || ev.Score != 4.2 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeNormalisesUnknownDomain(t *testing.T) {
	ev, err := Decode([]byte(`{"ship_id":"s1","domain":"galley","anomaly_type":"t","detector":"d","score":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Domain != models.DomainUnknown {
		t.Fatalf("domain = %s, want UNKNOWN", ev.Domain)
	}
}

func TestDecodeDefaultsTimestamp(t *testing.T) {
	ev, err := Decode([]byte(`{"ship_id":"s1","domain":"system","anomaly_type":"t","detector":"d","score":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("timestamp not defaulted")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}
