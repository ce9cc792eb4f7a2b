// Package keys derives suppression and correlation keys from anomaly event
// attributes. All derivations are pure and total: missing optional fields
// collapse to a fixed placeholder so keys stay well-formed across partial
// data, and malformed domains normalise to the unknown bucket.
package keys

import (
	"strings"

	"github.com/fleetwatch/incident-engine/internal/models"
)

// Placeholder substitutes for absent optional attributes inside a key.
const Placeholder = "-"

// Shape names one enabled correlation key dimension combination. The order
// of DefaultShapes is most specific first; FindCandidate relies on it.
type Shape string

const (
	ShapeTypeServiceShip Shape = "type:service:ship"
	ShapeDeviceShip      Shape = "device:ship"
	ShapeServiceShip     Shape = "service:ship"
	ShapeTypeShip        Shape = "type:ship"
	ShapeDomainShip      Shape = "domain:ship"
)

// DefaultShapes is the default correlation dimension set, ordered from the
// most constrained combination to the broadest.
func DefaultShapes() []Shape {
	return []Shape{
		ShapeTypeServiceShip,
		ShapeDeviceShip,
		ShapeServiceShip,
		ShapeTypeShip,
		ShapeDomainShip,
	}
}

// ParseShapes filters raw config strings down to known shapes, preserving
// the default specificity order. Unknown names are ignored.
func ParseShapes(raw []string) []Shape {
	if len(raw) == 0 {
		return DefaultShapes()
	}
	enabled := make(map[Shape]bool, len(raw))
	for _, r := range raw {
		enabled[Shape(strings.ToLower(strings.TrimSpace(r)))] = true
	}
	out := make([]Shape, 0, len(raw))
	for _, s := range DefaultShapes() {
		if enabled[s] {
			out = append(out, s)
		}
	}
	return out
}

// Deriver computes keys under a configured correlation dimension set. The
// zero value is not usable; construct with NewDeriver.
type Deriver struct {
	shapes []Shape
}

// NewDeriver builds a Deriver; nil or empty shapes fall back to the default
// dimension set.
func NewDeriver(shapes []Shape) *Deriver {
	if len(shapes) == 0 {
		shapes = DefaultShapes()
	}
	return &Deriver{shapes: shapes}
}

// Suppression derives the key identifying "the same recurring condition":
// {anomaly type, ship, device, service}. Two events with equal suppression
// keys belong to the same incident while the window is live.
func (d *Deriver) Suppression(ev models.AnomalyEvent) string {
	return strings.Join([]string{
		"type=" + field(ev.AnomalyType),
		"ship=" + field(ev.ShipID),
		"device=" + field(ev.DeviceID),
		"service=" + field(ev.Service),
	}, "|")
}

// Correlation derives the ordered broader grouping keys for an event, most
// specific first. Shapes whose optional dimensions are absent are skipped
// rather than emitted with placeholders, so deviceless events on a ship do
// not all collapse into one device bucket.
func (d *Deriver) Correlation(ev models.AnomalyEvent) []string {
	domain := models.ParseDomain(string(ev.Domain))
	out := make([]string, 0, len(d.shapes))
	for _, s := range d.shapes {
		switch s {
		case ShapeTypeServiceShip:
			if ev.Service != "" {
				out = append(out, join3("type", ev.AnomalyType, "service", ev.Service, "ship", ev.ShipID))
			}
		case ShapeDeviceShip:
			if ev.DeviceID != "" {
				out = append(out, join2("device", ev.DeviceID, "ship", ev.ShipID))
			}
		case ShapeServiceShip:
			if ev.Service != "" {
				out = append(out, join2("service", ev.Service, "ship", ev.ShipID))
			}
		case ShapeTypeShip:
			out = append(out, join2("type", ev.AnomalyType, "ship", ev.ShipID))
		case ShapeDomainShip:
			out = append(out, join2("domain", string(domain), "ship", ev.ShipID))
		}
	}
	return out
}

// Specificity counts the dimensions in a derived correlation key. Longer
// keys constrain more dimensions and win correlation tie-breaks.
func Specificity(key string) int {
	if key == "" {
		return 0
	}
	return strings.Count(key, "|") + 1
}

func field(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Placeholder
	}
	return v
}

func join2(k1, v1, k2, v2 string) string {
	return k1 + "=" + field(v1) + "|" + k2 + "=" + field(v2)
}

func join3(k1, v1, k2, v2, k3, v3 string) string {
	return k1 + "=" + field(v1) + "|" + k2 + "=" + field(v2) + "|" + k3 + "=" + field(v3)
}
