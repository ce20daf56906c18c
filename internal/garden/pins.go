package garden

import (
	"sort"

	"github.com/pigarden/gardenview/internal/config"
)

// PinTable resolves relay pins to names and labels.
type PinTable struct {
	relays map[int]config.RelayConfig
}

// NewPinTable builds a table from the configured relay list.
func NewPinTable(relays []config.RelayConfig) *PinTable {
	t := &PinTable{relays: make(map[int]config.RelayConfig, len(relays))}
	for _, r := range relays {
		t.relays[r.Pin] = r
	}
	return t
}

// Lookup returns the labels for pin. ok is false for unmapped pins.
func (t *PinTable) Lookup(pin int) (name string, labels Labels, ok bool) {
	r, ok := t.relays[pin]
	if !ok {
		return "", Labels{}, false
	}
	return r.Name, Labels{Active: r.Active, Inactive: r.Inactive}, true
}

// Pins returns the known pins in ascending order.
func (t *PinTable) Pins() []int {
	pins := make([]int, 0, len(t.relays))
	for pin := range t.relays {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	return pins
}
