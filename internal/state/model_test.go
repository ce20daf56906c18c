package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/eventbus"
	"github.com/pigarden/gardenview/internal/events"
	"github.com/pigarden/gardenview/internal/garden"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newTestModel(pub Publisher) *Model {
	return New(config.DefaultZones(), garden.NewPinTable(config.DefaultRelays()), pub)
}

func TestApplyPush_RelayChange(t *testing.T) {
	rec := &recorder{}
	m := newTestModel(rec)

	changes := m.ApplyPush(events.RelayChange{Pin: 12, State: true}, m.Stamp())
	assert.Equal(t, Changes{"relay:12"}, changes)

	snap := m.Snapshot()
	r, ok := snap.Relay(12)
	require.True(t, ok)
	assert.True(t, r.Active)
	assert.Equal(t, "Jardin arrosé", r.Label())

	z, ok := snap.Zone("garden")
	require.True(t, ok)
	assert.True(t, z.Watering)

	require.Len(t, rec.events, 1)
	assert.Equal(t, eventbus.EventTypeStateChanged, rec.events[0].Type)
	assert.Equal(t, []string{"relay:12"}, rec.events[0].Data.(eventbus.StateChanged).Fields)
}

func TestApplyPush_Idempotent(t *testing.T) {
	rec := &recorder{}
	m := newTestModel(rec)
	ev := events.RelayChange{Pin: 18, State: true}

	first := m.ApplyPush(ev, m.Stamp())
	once := m.Snapshot()
	second := m.ApplyPush(ev, m.Stamp())

	assert.Equal(t, Changes{"relay:18"}, first)
	assert.Empty(t, second)
	assert.Equal(t, once, m.Snapshot())
	assert.Len(t, rec.events, 1)
}

func TestApplyPush_OrderIndependentAcrossFields(t *testing.T) {
	water := events.WaterLevel{Level: 42.5}
	moisture := events.Moisture{Zone: "garden", Level: 61}

	a := newTestModel(nil)
	a.now = fixedNow
	a.ApplyPush(water, a.Stamp())
	a.ApplyPush(moisture, a.Stamp())

	b := newTestModel(nil)
	b.now = fixedNow
	b.ApplyPush(moisture, b.Stamp())
	b.ApplyPush(water, b.Stamp())

	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestApplyPush_UnknownPin(t *testing.T) {
	rec := &recorder{}
	m := newTestModel(rec)
	before := m.Snapshot()

	var changes Changes
	require.NotPanics(t, func() {
		changes = m.ApplyPush(events.RelayChange{Pin: 99, State: true}, m.Stamp())
	})

	assert.Empty(t, changes)
	assert.Equal(t, before, m.Snapshot())
	assert.Empty(t, rec.events)
}

func TestApplyPush_UnknownZone(t *testing.T) {
	m := newTestModel(nil)
	before := m.Snapshot()

	changes := m.ApplyPush(events.Moisture{Zone: "greenhouse", Level: 30}, m.Stamp())

	assert.Empty(t, changes)
	assert.Equal(t, before, m.Snapshot())
}

func TestApplyPush_MoistureResolvesAliases(t *testing.T) {
	tests := []struct {
		name string
		zone string
		want string
	}{
		{"exact", "garden", "garden"},
		{"case", "Garden", "garden"},
		{"alias", "Tomato", "tomatoes"},
		{"french", "tomates", "tomatoes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModel(nil)
			changes := m.ApplyPush(events.Moisture{Zone: tt.zone, Level: 55}, m.Stamp())
			assert.Equal(t, Changes{MoistureField(tt.want)}, changes)

			snapshot := m.Snapshot()
			z, _ := snapshot.Zone(tt.want)
			require.NotNil(t, z.Moisture)
			assert.Equal(t, 55.0, *z.Moisture)
		})
	}
}

func TestApplyPush_SystemStateReplacedWholesale(t *testing.T) {
	m := newTestModel(nil)

	m.ApplyPush(events.SystemState{Summary: garden.SystemSummary{
		State: "Arrosage", Zone: "Jardin", Source: "Cuve", Mode: "Auto",
	}}, m.Stamp())
	m.ApplyPush(events.SystemState{Summary: garden.SystemSummary{
		State: "Repos",
	}}, m.Stamp())

	got := m.Snapshot().Summary
	require.NotNil(t, got)
	assert.Equal(t, garden.SystemSummary{State: "Repos"}, *got)
}

func TestApplyFetch(t *testing.T) {
	m := newTestModel(nil)

	assert.Equal(t, Changes{FieldWaterLevel}, m.ApplyFetch(FieldWaterLevel, 87.25, m.Stamp()))
	assert.Equal(t, Changes{FieldRainfall}, m.ApplyFetch(FieldRainfall, 3.5, m.Stamp()))
	assert.Empty(t, m.ApplyFetch("temperature", 21, m.Stamp()))

	snap := m.Snapshot()
	require.NotNil(t, snap.WaterLevel)
	require.NotNil(t, snap.Rainfall)
	assert.Equal(t, 87.25, snap.WaterLevel.Value)
	assert.Equal(t, 3.5, snap.Rainfall.Value)
}

func TestApplyFetch_StalePollAfterPush(t *testing.T) {
	m := newTestModel(nil)

	// poll issued first, push arrives while the poll is in flight
	pollStamp := m.Stamp()
	m.ApplyPush(events.WaterLevel{Level: 50}, m.Stamp())
	changes := m.ApplyFetch(FieldWaterLevel, 40, pollStamp)

	assert.Empty(t, changes)
	assert.Equal(t, 50.0, m.Snapshot().WaterLevel.Value)
}

func TestApplyPush_StaleRelayRejected(t *testing.T) {
	m := newTestModel(nil)

	older := m.Stamp()
	newer := m.Stamp()
	m.ApplyPush(events.RelayChange{Pin: 25, State: false}, newer)
	changes := m.ApplyPush(events.RelayChange{Pin: 25, State: true}, older)

	assert.Empty(t, changes)
	snapshot := m.Snapshot()
	r, _ := snapshot.Relay(25)
	assert.False(t, r.Active)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	m := newTestModel(nil)
	m.ApplyPush(events.Moisture{Zone: "garden", Level: 10}, m.Stamp())

	snap := m.Snapshot()
	z, _ := snap.Zone("garden")
	*z.Moisture = 99

	snapshot := m.Snapshot()
	again, _ := snapshot.Zone("garden")
	assert.Equal(t, 10.0, *again.Moisture)
}

func TestModel_ConcurrentApply(t *testing.T) {
	m := newTestModel(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.ApplyPush(events.RelayChange{Pin: 18, State: i%2 == 0}, m.Stamp())
		}(i)
		go func(i int) {
			defer wg.Done()
			m.ApplyFetch(FieldRainfall, float64(i), m.Stamp())
		}(i)
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.NotNil(t, snap.Rainfall)
	r, _ := snap.Relay(18)
	assert.True(t, r.Known)
}
