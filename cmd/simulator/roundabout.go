package main

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/saviobatista/obu-tracker/internal/parser"
	"github.com/saviobatista/obu-tracker/internal/transport"
	"github.com/saviobatista/obu-tracker/internal/types"
)

const (
	earthRadiusMeters = 6371008.8

	// Relative bearings, clockwise from the own heading, where a vehicle
	// already circulating has priority.
	threatConeFrom = 210.0
	threatConeTo   = 350.0

	// remoteID names reports that carry no identifier of their own
	remoteID = "remote"
)

// Subscriber is the receiving half of a broker client
type Subscriber interface {
	OnConnect(f func())
	Subscribe(filter string, handler transport.MessageHandler) error
}

// distanceMeters returns the great-circle distance between a and b
func distanceMeters(a, b types.Position) float64 {
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	la1 := a.Latitude * math.Pi / 180
	la2 := b.Latitude * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// bearing returns the heading in degrees [0, 360) from a to b, treating
// degrees of latitude and longitude as a plane. Good enough at roundabout
// scale, and what the yield thresholds are tuned for.
func bearing(a, b types.Position) float64 {
	deg := math.Atan2(b.Longitude-a.Longitude, b.Latitude-a.Latitude) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// roundabout is a circle around a centre point
type roundabout struct {
	center types.Position
	radius float64
	margin float64
}

func (r roundabout) inside(p types.Position) bool {
	return distanceMeters(p, r.center) <= r.radius
}

// near reports whether p lies in the approach ring just outside the circle
func (r roundabout) near(p types.Position) bool {
	d := distanceMeters(p, r.center)
	return d > r.radius && d < r.radius+r.margin
}

// yielder tracks the last reported position of another OBU and decides
// whether this one must give way before moving on
type yielder struct {
	roundabout
	self      string
	proximity float64
	decoder   *parser.Decoder

	mu    sync.Mutex
	other *types.Position
}

func newYielder(self string, r roundabout, proximity float64) *yielder {
	return &yielder{
		roundabout: r,
		self:       self,
		proximity:  proximity,
		decoder:    parser.New(remoteID, false),
	}
}

// listen follows the other OBUs' reports on topic across reconnects
func (y *yielder) listen(s Subscriber, topic string) {
	s.OnConnect(func() {
		if err := s.Subscribe(topic, y.observe); err != nil {
			log.WithError(err).WithField("topic", topic).Error("Failed to subscribe")
			return
		}
		log.WithField("topic", topic).Info("Listening for other OBUs")
	})
}

func (y *yielder) observe(topic string, payload []byte) {
	rec, err := y.decoder.Decode(&types.TelemetryMessage{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		log.WithError(err).WithField("topic", topic).Debug("Ignoring report")
		return
	}
	if rec.EntityID == y.self {
		return
	}

	y.mu.Lock()
	pos := rec.Position
	y.other = &pos
	y.mu.Unlock()
}

// threat reports whether the other OBU circulates inside the roundabout,
// within reach and in the rear-left cone of an OBU at pos facing heading
func (y *yielder) threat(pos types.Position, heading float64) bool {
	y.mu.Lock()
	other := y.other
	y.mu.Unlock()

	if other == nil || !y.inside(*other) {
		return false
	}
	if distanceMeters(pos, *other) > y.proximity {
		return false
	}
	return inThreatCone(math.Mod(bearing(pos, *other)-heading+360, 360))
}

func inThreatCone(relative float64) bool {
	return relative >= threatConeFrom && relative <= threatConeTo
}

// mustYield applies the give-way rule to an OBU approaching or inside the
// roundabout
func (y *yielder) mustYield(pos types.Position, heading float64) bool {
	if !y.near(pos) && !y.inside(pos) {
		return false
	}
	return y.threat(pos, heading)
}
