// Package timeseries turns backend timestamp strings into instants.
//
// The backend emits naive wall-clock timestamps that are documented to be UTC.
// Instants are kept in UTC for storage and comparison; conversion to a display
// location happens only when rendering.
package timeseries

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedTimestamp is returned for strings that match no known layout.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// naive layouts, tried in order. Fractional seconds are optional in the
// parser for layouts that spell them with 9s.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Normalize parses s as a UTC instant. Inputs that carry an explicit zone
// (Z or an offset) are honoured and converted to UTC.
func Normalize(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrMalformedTimestamp)
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
}

// Format renders an instant in canonical UTC form (RFC 3339, "Z" suffix).
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Display converts an instant to loc for presentation. A nil loc means UTC.
func Display(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc)
}
