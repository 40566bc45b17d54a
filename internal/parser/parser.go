package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/saviobatista/obu-tracker/internal/types"
)

// Reason classifies why a telemetry message was rejected
type Reason string

const (
	ReasonMalformedJSON     Reason = "malformed_json"
	ReasonUnsupportedShape  Reason = "unsupported_shape"
	ReasonMissingCoordinate Reason = "missing_coordinate"
	ReasonInvalidCoordinate Reason = "invalid_coordinate"
	ReasonOutOfRange        Reason = "out_of_range"
	ReasonInvalidEntityID   Reason = "invalid_entity_id"
	ReasonMissingEntityID   Reason = "missing_entity_id"
)

// ErrNoEntityID is wrapped when neither the payload, the topic nor the
// fallback supplies an identifier.
var ErrNoEntityID = errors.New("no entity identifier available")

// validate is safe for concurrent use and caches struct metadata
var validate = validator.New()

// camPath is the location of the reference position inside a CAM payload
var camPath = []string{"fields", "cam", "camParameters", "basicContainer", "referencePosition"}

// DecodeError describes a rejected telemetry message
type DecodeError struct {
	Reason Reason
	Topic  string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode telemetry on topic %q: %s: %v", e.Topic, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns raw broker payloads into telemetry records
type Decoder struct {
	// FallbackID identifies the entity when the payload carries no identifier
	FallbackID string
	// TopicPrefixID takes the first topic level as identifier for payloads
	// without one, as published by the relay (OBU1/vanetza/out/cam).
	TopicPrefixID bool
}

// New creates a new Decoder
func New(fallbackID string, topicPrefixID bool) *Decoder {
	return &Decoder{
		FallbackID:    fallbackID,
		TopicPrefixID: topicPrefixID,
	}
}

// Decode parses a message of either the flat or the nested CAM shape. The
// flat shape is probed first, so a payload carrying both layouts is flat.
func (d *Decoder) Decode(msg *types.TelemetryMessage) (*types.TelemetryRecord, error) {
	fail := func(reason Reason, err error) (*types.TelemetryRecord, error) {
		return nil, &DecodeError{Reason: reason, Topic: msg.Topic, Err: err}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(msg.Payload, &top); err != nil {
		return fail(ReasonMalformedJSON, err)
	}

	rec := &types.TelemetryRecord{ReceivedAt: msg.ReceivedAt}

	var (
		coords map[string]json.RawMessage
		id     string
	)
	switch {
	case isFlat(top):
		rec.Shape = types.ShapeFlat
		coords = top
		if raw, ok := top["obu_id"]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, &id); err != nil {
				return fail(ReasonInvalidEntityID, fmt.Errorf("obu_id is not a string: %w", err))
			}
		}
	case top["fields"] != nil:
		rec.Shape = types.ShapeCAM
		var err error
		coords, err = walk(top, camPath)
		if err != nil {
			return fail(ReasonMissingCoordinate, err)
		}
	default:
		return fail(ReasonUnsupportedShape, errors.New("payload matches no known telemetry layout"))
	}

	lat, reason, err := number(coords, "latitude")
	if err != nil {
		return fail(reason, err)
	}
	lon, reason, err := number(coords, "longitude")
	if err != nil {
		return fail(reason, err)
	}
	rec.Position = types.Position{Latitude: lat, Longitude: lon}

	if id == "" {
		id = d.resolveID(msg.Topic)
	}
	if id == "" {
		return fail(ReasonMissingEntityID, ErrNoEntityID)
	}
	rec.EntityID = id

	if err := validate.Struct(rec); err != nil {
		return fail(ReasonOutOfRange, err)
	}

	return rec, nil
}

// resolveID picks the identifier for payloads that do not carry one
func (d *Decoder) resolveID(topic string) string {
	if d.TopicPrefixID {
		if prefix, rest, ok := strings.Cut(topic, "/"); ok && prefix != "" && rest != "" {
			return prefix
		}
	}
	return d.FallbackID
}

func isFlat(top map[string]json.RawMessage) bool {
	for _, key := range []string{"obu_id", "latitude", "longitude"} {
		if _, ok := top[key]; ok {
			return true
		}
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// walk descends through nested objects following path
func walk(obj map[string]json.RawMessage, path []string) (map[string]json.RawMessage, error) {
	current := obj
	for i, key := range path {
		raw, ok := current[key]
		if !ok || isNull(raw) {
			return nil, fmt.Errorf("missing %s", strings.Join(path[:i+1], "."))
		}
		var next map[string]json.RawMessage
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, fmt.Errorf("%s is not an object: %w", strings.Join(path[:i+1], "."), err)
		}
		current = next
	}
	return current, nil
}

// number extracts a finite JSON number
func number(obj map[string]json.RawMessage, key string) (float64, Reason, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return 0, ReasonMissingCoordinate, fmt.Errorf("missing %s", key)
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, ReasonInvalidCoordinate, fmt.Errorf("%s is not a number: %w", key, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ReasonInvalidCoordinate, fmt.Errorf("%s is not finite", key)
	}
	return v, "", nil
}
