// Package events defines the push events emitted by the garden backend as a
// closed set of Go types, and decodes raw (name, payload) pairs into them.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pigarden/gardenview/internal/garden"
)

// Name is the wire name of a push event.
type Name string

const (
	NameWaterLevel  Name = "update_water_level"
	NameMoisture    Name = "update_moisture"
	NameSystemState Name = "update_system_state"
	NameRelayChange Name = "relay_change"
)

// ErrUnknownEvent is returned by Decode for names outside the known set.
var ErrUnknownEvent = errors.New("unknown event")

// Event is implemented by every push event type.
type Event interface {
	EventName() Name
}

// WaterLevel reports the current reservoir level in centimeters.
type WaterLevel struct {
	Level float64
}

// Moisture reports the soil moisture of one zone, in percent.
type Moisture struct {
	Zone  string
	Level float64
}

// SystemState carries a complete system summary. Missing lists the payload
// fields that were absent and left empty.
type SystemState struct {
	Summary garden.SystemSummary
	Missing []string
}

// RelayChange reports a relay switching on or off.
type RelayChange struct {
	Pin   int
	State bool
}

func (WaterLevel) EventName() Name  { return NameWaterLevel }
func (Moisture) EventName() Name    { return NameMoisture }
func (SystemState) EventName() Name { return NameSystemState }
func (RelayChange) EventName() Name { return NameRelayChange }

// MalformedPayloadError reports a payload field that could not be decoded.
// Source is the push event name or the backend path that produced it.
type MalformedPayloadError struct {
	Source string
	Field  string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s payload: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: field %q: %v", e.Source, e.Field, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

var errMissing = errors.New("missing")

// Decode converts a named payload into its event type.
func Decode(name string, payload []byte) (Event, error) {
	n := Name(name)

	var fields map[string]json.RawMessage
	switch n {
	case NameWaterLevel, NameMoisture, NameSystemState, NameRelayChange:
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, &MalformedPayloadError{Source: name, Err: err}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	switch n {
	case NameWaterLevel:
		level, err := numberField(fields, "water_level")
		if err != nil {
			return nil, &MalformedPayloadError{Source: name, Field: "water_level", Err: err}
		}
		return WaterLevel{Level: level}, nil

	case NameMoisture:
		zone, err := stringField(fields, "zone")
		if err != nil {
			return nil, &MalformedPayloadError{Source: name, Field: "zone", Err: err}
		}
		level, err := numberField(fields, "level")
		if err != nil {
			return nil, &MalformedPayloadError{Source: name, Field: "level", Err: err}
		}
		return Moisture{Zone: zone, Level: level}, nil

	case NameSystemState:
		var ev SystemState
		targets := []struct {
			key string
			dst *string
		}{
			{"state", &ev.Summary.State},
			{"zone", &ev.Summary.Zone},
			{"source", &ev.Summary.Source},
			{"mode", &ev.Summary.Mode},
		}
		for _, t := range targets {
			v, err := stringField(fields, t.key)
			if err != nil {
				ev.Missing = append(ev.Missing, t.key)
				continue
			}
			*t.dst = v
		}
		if v, err := stringField(fields, "time"); err == nil {
			ev.Summary.Time = v
		}
		return ev, nil

	case NameRelayChange:
		pin, err := numberField(fields, "pin")
		if err != nil {
			return nil, &MalformedPayloadError{Source: name, Field: "pin", Err: err}
		}
		if pin != float64(int(pin)) {
			return nil, &MalformedPayloadError{Source: name, Field: "pin", Err: fmt.Errorf("not an integer: %v", pin)}
		}
		state, err := boolField(fields, "state")
		if err != nil {
			return nil, &MalformedPayloadError{Source: name, Field: "state", Err: err}
		}
		return RelayChange{Pin: int(pin), State: state}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func numberField(fields map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, errMissing
	}
	var n Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return float64(n), nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return "", errMissing
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func boolField(fields map[string]json.RawMessage, key string) (bool, error) {
	raw, ok := fields[key]
	if !ok {
		return false, errMissing
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	// GPIO levels are sometimes reported as 0/1
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && (n == 0 || n == 1) {
		return n == 1, nil
	}
	return false, fmt.Errorf("not a boolean: %s", string(raw))
}
