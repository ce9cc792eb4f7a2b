package models

import (
	"errors"
	"strings"
	"time"
)

// Domain enumerates the operational domains a detector reports against.
type Domain string

const (
	DomainSystem      Domain = "SYSTEM"
	DomainNetwork     Domain = "NETWORK"
	DomainApplication Domain = "APPLICATION"
	DomainComms       Domain = "COMMS"
	DomainUnknown     Domain = "UNKNOWN"
)

// ParseDomain normalises free-form domain strings. Unrecognised values land
// in the unknown bucket rather than being rejected; losing a correlation
// opportunity is cheaper than dropping an event.
func ParseDomain(s string) Domain {
	switch Domain(strings.ToUpper(strings.TrimSpace(s))) {
	case DomainSystem:
		return DomainSystem
	case DomainNetwork:
		return DomainNetwork
	case DomainApplication:
		return DomainApplication
	case DomainComms:
		return DomainComms
	default:
		return DomainUnknown
	}
}

// AnomalyEvent is one detector's observation. Events are immutable once
// decoded; ownership passes to the pipeline on submission.
type AnomalyEvent struct {
	TrackingID  string         `json:"tracking_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	ShipID      string         `json:"ship_id"`
	Domain      Domain         `json:"domain"`
	AnomalyType string         `json:"anomaly_type"`
	DeviceID    string         `json:"device_id,omitempty"`
	Service     string         `json:"service,omitempty"`
	Score       float64        `json:"score"`
	Threshold   float64        `json:"threshold"`
	Detector    string         `json:"detector"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// ErrMalformedEvent marks events missing a required field with no safe default.
var ErrMalformedEvent = errors.New("malformed anomaly event")

// Validate reports whether the event carries every required field. The
// tracking id and device/service ids are optional; the domain is normalised,
// never rejected.
func (e AnomalyEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.ShipID) == "":
		return errMalformed("ship_id")
	case strings.TrimSpace(e.AnomalyType) == "":
		return errMalformed("anomaly_type")
	case strings.TrimSpace(e.Detector) == "":
		return errMalformed("detector")
	}
	return nil
}

func errMalformed(field string) error {
	return &FieldError{Field: field, Err: ErrMalformedEvent}
}

// FieldError names the missing required field on a malformed event.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Err.Error() + ": missing " + e.Field }

func (e *FieldError) Unwrap() error { return e.Err }
