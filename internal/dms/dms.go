// Package dms converts degrees-minutes-seconds coordinates to decimal degrees.
package dms

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/saviobatista/obu-tracker/internal/types"
)

// componentPattern matches one DMS component such as 40°38'29.1"N. Degrees
// and minutes may carry a fraction too.
var componentPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)°(\d+(?:\.\d+)?)'(\d+(?:\.\d+)?)"?([NSEW])`)

// FormatError reports a DMS string that cannot be converted
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid DMS format %q: %s", e.Input, e.Reason)
}

// Parse converts a string holding exactly two DMS components into a position.
// The first component is always the latitude and the second the longitude,
// whatever their hemisphere letters say.
func Parse(s string) (types.Position, error) {
	matches := componentPattern.FindAllStringSubmatch(s, -1)
	for _, loc := range componentPattern.FindAllStringIndex(s, -1) {
		// A component must not start in the middle of a number
		if start := loc[0]; start > 0 && (isDigit(s[start-1]) || s[start-1] == '.') {
			return types.Position{}, &FormatError{
				Input:  s,
				Reason: fmt.Sprintf("malformed number before %q", s[start:loc[1]]),
			}
		}
	}
	if len(matches) != 2 {
		return types.Position{}, &FormatError{
			Input:  s,
			Reason: fmt.Sprintf("expected 2 components, got %d", len(matches)),
		}
	}

	lat, err := convert(matches[0])
	if err != nil {
		return types.Position{}, &FormatError{Input: s, Reason: err.Error()}
	}
	lon, err := convert(matches[1])
	if err != nil {
		return types.Position{}, &FormatError{Input: s, Reason: err.Error()}
	}

	pos := types.Position{Latitude: lat, Longitude: lon}
	if !pos.InRange() {
		return types.Position{}, &FormatError{
			Input:  s,
			Reason: fmt.Sprintf("coordinate out of range: %v", pos),
		}
	}
	return pos, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) types.Position {
	pos, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return pos
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func convert(match []string) (float64, error) {
	var parts [3]float64
	for i := range parts {
		v, err := strconv.ParseFloat(match[i+1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q in %q", match[i+1], match[0])
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("non-finite number in %q", match[0])
		}
		parts[i] = v
	}

	decimal := parts[0] + parts[1]/60 + parts[2]/3600
	switch strings.ToUpper(match[4]) {
	case "S", "W":
		decimal = -decimal
	}
	return decimal, nil
}

// Format renders a position as two DMS components, latitude first, with
// seconds to four decimal places.
func Format(p types.Position) string {
	return component(p.Latitude, 'N', 'S') + " " + component(p.Longitude, 'E', 'W')
}

func component(v float64, pos, neg byte) string {
	hemisphere := pos
	if v < 0 {
		hemisphere = neg
		v = -v
	}

	// Work in ten-thousandths of a second so rounding never yields 60".
	total := math.Round(v * 3600 * 10000)
	deg := math.Floor(total / (3600 * 10000))
	total -= deg * 3600 * 10000
	min := math.Floor(total / (60 * 10000))
	total -= min * 60 * 10000

	return fmt.Sprintf("%d°%d'%.4f\"%c", int(deg), int(min), total/10000, hemisphere)
}
