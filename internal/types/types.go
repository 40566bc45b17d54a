package types

import (
	"math"
	"time"
)

// Shape identifies which payload layout a telemetry record was decoded from
type Shape string

const (
	ShapeFlat Shape = "flat"
	ShapeCAM  Shape = "cam"
)

// Position is a latitude/longitude pair in decimal degrees
type Position struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// IsFinite reports whether both coordinates are finite numbers
func (p Position) IsFinite() bool {
	return !math.IsNaN(p.Latitude) && !math.IsInf(p.Latitude, 0) &&
		!math.IsNaN(p.Longitude) && !math.IsInf(p.Longitude, 0)
}

// InRange reports whether the position is finite and inside the WGS84 bounds
func (p Position) InRange() bool {
	return p.IsFinite() &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// Lerp returns the point at fraction f of the straight segment from p to to,
// computed per axis.
func (p Position) Lerp(to Position, f float64) Position {
	return Position{
		Latitude:  p.Latitude + (to.Latitude-p.Latitude)*f,
		Longitude: p.Longitude + (to.Longitude-p.Longitude)*f,
	}
}

// TelemetryMessage represents a raw message received from the broker
type TelemetryMessage struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// TelemetryRecord is the canonical form of one valid position report
type TelemetryRecord struct {
	EntityID   string    `json:"entity_id" validate:"required"`
	Position   Position  `json:"position"`
	ReceivedAt time.Time `json:"received_at"`
	Shape      Shape     `json:"shape"`
}

// Entity is the registry view of a tracked unit
type Entity struct {
	EntityID      string    `json:"entity_id"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	LastLatitude  float64   `json:"last_latitude"`
	LastLongitude float64   `json:"last_longitude"`
	MessageCount  int64     `json:"message_count"`
}
