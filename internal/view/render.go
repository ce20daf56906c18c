package view

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pigarden/gardenview/internal/chart"
	"github.com/pigarden/gardenview/internal/garden"
	"github.com/pigarden/gardenview/internal/state"
	"github.com/pigarden/gardenview/internal/timeseries"
)

// Element ids of the dashboard page.
const (
	ElementWaterLevel  = "water-level"
	ElementRainData    = "rain-data"
	ElementSystemState = "system-state"
)

// MoistureElement is the element id showing a zone's moisture.
func MoistureElement(zoneID string) string {
	return strings.ToLower(zoneID) + "-moisture"
}

// RelayElement is the element id showing a relay's status.
func RelayElement(pin int) string {
	return "relay-status-" + strconv.Itoa(pin)
}

// Element is the rendered content of one page element.
type Element struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Class     string    `json:"class,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// elementFor maps a model field key to its element id.
func elementFor(field string) (string, bool) {
	switch {
	case field == state.FieldWaterLevel:
		return ElementWaterLevel, true
	case field == state.FieldRainfall:
		return ElementRainData, true
	case field == state.FieldSystemState:
		return ElementSystemState, true
	case strings.HasPrefix(field, "moisture:"):
		return MoistureElement(strings.TrimPrefix(field, "moisture:")), true
	case strings.HasPrefix(field, "relay:"):
		pin, err := strconv.Atoi(strings.TrimPrefix(field, "relay:"))
		if err != nil {
			return "", false
		}
		return RelayElement(pin), true
	}
	return "", false
}

// renderField renders one model field from snap. ok is false when the field
// has no value yet.
func renderField(snap garden.Snapshot, field string) (Element, bool) {
	id, known := elementFor(field)
	if !known {
		return Element{}, false
	}

	switch {
	case field == state.FieldWaterLevel:
		if snap.WaterLevel == nil {
			return Element{}, false
		}
		return Element{ID: id, Text: fmt.Sprintf("%.2f cm", snap.WaterLevel.Value)}, true

	case field == state.FieldRainfall:
		if snap.Rainfall == nil {
			return Element{}, false
		}
		return Element{ID: id, Text: fmt.Sprintf("%.2f mm", snap.Rainfall.Value)}, true

	case field == state.FieldSystemState:
		if snap.Summary == nil {
			return Element{}, false
		}
		s := snap.Summary
		return Element{ID: id, Text: fmt.Sprintf("État: %s, Zone: %s, Source: %s, Mode: %s", s.State, s.Zone, s.Source, s.Mode)}, true

	case strings.HasPrefix(field, "moisture:"):
		z, ok := snap.Zone(strings.TrimPrefix(field, "moisture:"))
		if !ok || z.Moisture == nil {
			return Element{}, false
		}
		return Element{ID: id, Text: strconv.FormatFloat(*z.Moisture, 'f', -1, 64) + "%"}, true

	case strings.HasPrefix(field, "relay:"):
		pin, _ := strconv.Atoi(strings.TrimPrefix(field, "relay:"))
		r, ok := snap.Relay(pin)
		if !ok || !r.Known {
			return Element{}, false
		}
		class := "inactive"
		if r.Active {
			class = "active"
		}
		return Element{ID: id, Text: r.Label(), Class: class}, true
	}
	return Element{}, false
}

// allFields lists every renderable field key of snap.
func allFields(snap garden.Snapshot) []string {
	fields := []string{state.FieldWaterLevel, state.FieldRainfall, state.FieldSystemState}
	for _, z := range snap.Zones {
		fields = append(fields, state.MoistureField(z.ID))
	}
	for _, r := range snap.Relays {
		fields = append(fields, state.RelayField(r.Pin))
	}
	return fields
}

// Trace is a chart description ready for a plotting library: x values are
// instants in the display timezone.
type Trace struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Mode       string    `json:"mode"`
	X          []string  `json:"x"`
	Y          []float64 `json:"y"`
	Window     string    `json:"window"`
	Generation uint64    `json:"generation"`
}

// NewTrace converts s for display in loc. Conversion happens only here;
// the series itself stays in UTC.
func NewTrace(s *chart.Series, loc *time.Location) Trace {
	t := Trace{
		Name:       s.Name,
		Type:       "scatter",
		Mode:       "lines",
		X:          make([]string, 0, len(s.Points)),
		Y:          make([]float64, 0, len(s.Points)),
		Window:     s.Window.String(),
		Generation: s.Generation,
	}
	for _, p := range s.Points {
		t.X = append(t.X, timeseries.Display(p.At, loc).Format(time.RFC3339))
		t.Y = append(t.Y, p.Level)
	}
	return t
}
