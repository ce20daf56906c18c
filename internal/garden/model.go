// Package garden holds the entities of the irrigation installation as seen by
// the client: zones, relays, the system summary and the latest readings.
package garden

import (
	"strings"
	"time"
)

// Zone is a named irrigation area with its own moisture sensor and valve.
type Zone struct {
	ID       string   `json:"id"`
	Aliases  []string `json:"aliases,omitempty"`
	ValvePin int      `json:"valve_pin,omitempty"`
	Moisture *float64 `json:"moisture"` // percent, nil until first reading
	Watering bool     `json:"watering"` // derived from the valve relay
}

// Matches reports whether name designates this zone, ignoring case.
func (z *Zone) Matches(name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(z.ID, name) {
		return true
	}
	for _, alias := range z.Aliases {
		if strings.EqualFold(alias, name) {
			return true
		}
	}
	return false
}

// Labels is the text shown for a relay in each state.
type Labels struct {
	Active   string `json:"active"`
	Inactive string `json:"inactive"`
}

// For returns the label matching the given state.
func (l Labels) For(active bool) string {
	if active {
		return l.Active
	}
	return l.Inactive
}

// Relay is a physical switch (pump or valve) addressed by its pin code.
type Relay struct {
	Pin    int    `json:"pin"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Known  bool   `json:"known"` // false until a state has been observed
	Labels Labels `json:"labels"`
}

// Label returns the text for the relay's current state.
func (r *Relay) Label() string {
	return r.Labels.For(r.Active)
}

// SystemSummary is the backend's atomic operating-mode snapshot.
type SystemSummary struct {
	State  string `json:"state"`
	Zone   string `json:"zone"`
	Source string `json:"source"`
	Mode   string `json:"mode"`
	Time   string `json:"time,omitempty"`
}

// Reading is a scalar measurement with the instant it was applied.
type Reading struct {
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is a deep copy of the whole view, safe to hand to renderers.
type Snapshot struct {
	Zones      []Zone         `json:"zones"`
	Relays     []Relay        `json:"relays"`
	Summary    *SystemSummary `json:"system_state"`
	WaterLevel *Reading       `json:"water_level"` // centimeters
	Rainfall   *Reading       `json:"rain_data"`   // millimeters over the last 12h
}

// Relay returns the relay with the given pin.
func (s *Snapshot) Relay(pin int) (Relay, bool) {
	for _, r := range s.Relays {
		if r.Pin == pin {
			return r, true
		}
	}
	return Relay{}, false
}

// Zone returns the zone with the given id.
func (s *Snapshot) Zone(id string) (Zone, bool) {
	for _, z := range s.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}
