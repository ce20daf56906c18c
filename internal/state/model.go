// Package state holds the in-memory view of the garden and reconciles the two
// update channels (push events and snapshot polls) into it.
//
// Every update carries a Stamp taken from the model's counter. Push updates
// are stamped on arrival, poll updates when the request is issued. An update
// older than the last one applied to the same field is dropped as stale, so a
// slow poll response can never overwrite a newer push.
package state

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/eventbus"
	"github.com/pigarden/gardenview/internal/events"
	"github.com/pigarden/gardenview/internal/garden"
	"github.com/pigarden/gardenview/internal/metrics"
)

// Field keys reported in Changes.
const (
	FieldWaterLevel  = "water_level"
	FieldRainfall    = "rain_data"
	FieldSystemState = "system_state"
)

// RelayField is the change key for a relay.
func RelayField(pin int) string {
	return fmt.Sprintf("relay:%d", pin)
}

// MoistureField is the change key for a zone's moisture.
func MoistureField(zoneID string) string {
	return "moisture:" + zoneID
}

// Stamp orders updates. Larger stamps are newer.
type Stamp uint64

// Changes is the sorted set of field keys an update modified.
type Changes []string

// UnknownEntityError reports an update for a pin or zone the model does not know.
type UnknownEntityError struct {
	Kind string // "relay" or "zone"
	Name string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// Publisher receives change notifications. *eventbus.Bus implements it.
type Publisher interface {
	Publish(eventbus.Event)
}

// Model is the single owner of zones, relays, the system summary and the
// latest readings. It is safe for concurrent use.
type Model struct {
	seq atomic.Uint64

	mu      sync.Mutex
	zones   []garden.Zone
	relays  map[int]*garden.Relay
	pins    []int
	summary *garden.SystemSummary
	water   *garden.Reading
	rain    *garden.Reading
	applied map[string]Stamp

	pub Publisher
	now func() time.Time
}

// New builds a model for the configured zones and relays. pub may be nil.
func New(zones []config.ZoneConfig, pinTable *garden.PinTable, pub Publisher) *Model {
	m := &Model{
		relays:  make(map[int]*garden.Relay),
		applied: make(map[string]Stamp),
		pub:     pub,
		now:     time.Now,
	}

	for _, z := range zones {
		m.zones = append(m.zones, garden.Zone{
			ID:       z.ID,
			Aliases:  append([]string(nil), z.Aliases...),
			ValvePin: z.ValvePin,
		})
	}

	for _, pin := range pinTable.Pins() {
		name, labels, _ := pinTable.Lookup(pin)
		m.relays[pin] = &garden.Relay{Pin: pin, Name: name, Labels: labels}
		m.pins = append(m.pins, pin)
	}

	return m
}

// Stamp returns a fresh stamp, newer than every stamp handed out before.
func (m *Model) Stamp() Stamp {
	return Stamp(m.seq.Add(1))
}

// LastApplied returns the stamp of the last update applied to key, or zero.
func (m *Model) LastApplied(key string) Stamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[key]
}

// ApplyPush applies one decoded push event and returns the fields it changed.
// Unknown pins and zones leave the model untouched.
func (m *Model) ApplyPush(ev events.Event, stamp Stamp) Changes {
	var (
		changes Changes
		err     error
	)

	m.mu.Lock()
	switch e := ev.(type) {
	case events.RelayChange:
		changes, err = m.setRelay(e.Pin, e.State, stamp)
	case events.Moisture:
		changes, err = m.setMoisture(e.Zone, e.Level, stamp)
	case events.SystemState:
		changes = m.setSummary(e.Summary, stamp)
	case events.WaterLevel:
		changes = m.setReading(FieldWaterLevel, &m.water, e.Level, stamp, "push")
	default:
		log.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("Ignoring unsupported event")
	}
	m.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Uint64("stamp", uint64(stamp)).Msg("Dropping push event")
	}

	m.notify(changes)
	return changes
}

// ApplyFetch applies a snapshot reading. Only water_level and rain_data are
// fetchable; any other field name is a no-op.
func (m *Model) ApplyFetch(field string, value float64, stamp Stamp) Changes {
	var changes Changes

	m.mu.Lock()
	switch field {
	case FieldWaterLevel:
		changes = m.setReading(FieldWaterLevel, &m.water, value, stamp, "poll")
	case FieldRainfall:
		changes = m.setReading(FieldRainfall, &m.rain, value, stamp, "poll")
	default:
		log.Debug().Str("field", field).Msg("Ignoring unknown fetch field")
	}
	m.mu.Unlock()

	m.notify(changes)
	return changes
}

// Snapshot returns a deep copy of the current view.
func (m *Model) Snapshot() garden.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := garden.Snapshot{
		Zones:  make([]garden.Zone, len(m.zones)),
		Relays: make([]garden.Relay, 0, len(m.pins)),
	}

	for i, z := range m.zones {
		z.Aliases = append([]string(nil), z.Aliases...)
		if z.Moisture != nil {
			v := *z.Moisture
			z.Moisture = &v
		}
		if r, ok := m.relays[z.ValvePin]; ok {
			z.Watering = r.Active
		}
		snap.Zones[i] = z
	}

	for _, pin := range m.pins {
		snap.Relays = append(snap.Relays, *m.relays[pin])
	}

	if m.summary != nil {
		s := *m.summary
		snap.Summary = &s
	}
	if m.water != nil {
		w := *m.water
		snap.WaterLevel = &w
	}
	if m.rain != nil {
		r := *m.rain
		snap.Rainfall = &r
	}

	return snap
}

// fresh records stamp for key unless a newer update was already applied.
// Must hold m.mu.
func (m *Model) fresh(key string, stamp Stamp, channel string) bool {
	if last, ok := m.applied[key]; ok && stamp < last {
		metrics.StaleUpdates.WithLabelValues(channel).Inc()
		log.Debug().
			Str("field", key).
			Uint64("stamp", uint64(stamp)).
			Uint64("applied", uint64(last)).
			Msg("Rejecting stale update")
		return false
	}
	m.applied[key] = stamp
	return true
}

func (m *Model) setRelay(pin int, active bool, stamp Stamp) (Changes, error) {
	r, ok := m.relays[pin]
	if !ok {
		return nil, &UnknownEntityError{Kind: "relay", Name: fmt.Sprint(pin)}
	}

	key := RelayField(pin)
	if !m.fresh(key, stamp, "push") {
		return nil, nil
	}
	if r.Known && r.Active == active {
		return nil, nil
	}

	r.Active = active
	r.Known = true
	return Changes{key}, nil
}

func (m *Model) setMoisture(zoneName string, level float64, stamp Stamp) (Changes, error) {
	for i := range m.zones {
		z := &m.zones[i]
		if !z.Matches(zoneName) {
			continue
		}

		key := MoistureField(z.ID)
		if !m.fresh(key, stamp, "push") {
			return nil, nil
		}
		if z.Moisture != nil && *z.Moisture == level {
			return nil, nil
		}
		z.Moisture = &level
		return Changes{key}, nil
	}
	return nil, &UnknownEntityError{Kind: "zone", Name: zoneName}
}

func (m *Model) setSummary(s garden.SystemSummary, stamp Stamp) Changes {
	if !m.fresh(FieldSystemState, stamp, "push") {
		return nil
	}
	if m.summary != nil && *m.summary == s {
		return nil
	}
	m.summary = &s
	return Changes{FieldSystemState}
}

func (m *Model) setReading(key string, dst **garden.Reading, value float64, stamp Stamp, channel string) Changes {
	if !m.fresh(key, stamp, channel) {
		return nil
	}
	if *dst != nil && (*dst).Value == value {
		return nil
	}
	*dst = &garden.Reading{Value: value, UpdatedAt: m.now().UTC()}
	return Changes{key}
}

func (m *Model) notify(changes Changes) {
	if len(changes) == 0 || m.pub == nil {
		return
	}
	sort.Strings(changes)
	m.pub.Publish(eventbus.Event{
		Type: eventbus.EventTypeStateChanged,
		Data: eventbus.StateChanged{Fields: append([]string(nil), changes...)},
	})
}
