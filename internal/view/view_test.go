package view

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigarden/gardenview/internal/backend"
	"github.com/pigarden/gardenview/internal/chart"
	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/eventbus"
	"github.com/pigarden/gardenview/internal/events"
	"github.com/pigarden/gardenview/internal/garden"
	"github.com/pigarden/gardenview/internal/ledger"
	"github.com/pigarden/gardenview/internal/state"
)

func newModel(pub state.Publisher) *state.Model {
	return state.New(config.DefaultZones(), garden.NewPinTable(config.DefaultRelays()), pub)
}

func TestRenderField(t *testing.T) {
	m := newModel(nil)
	m.ApplyFetch(state.FieldWaterLevel, 87.256, m.Stamp())
	m.ApplyFetch(state.FieldRainfall, 0, m.Stamp())
	m.ApplyPush(events.Moisture{Zone: "Tomato", Level: 42}, m.Stamp())
	m.ApplyPush(events.SystemState{Summary: garden.SystemSummary{State: "Arrosage", Zone: "Jardin", Source: "Cuve", Mode: "Auto"}}, m.Stamp())
	m.ApplyPush(events.RelayChange{Pin: 16, State: true}, m.Stamp())
	snap := m.Snapshot()

	tests := []struct {
		field string
		id    string
		text  string
	}{
		{state.FieldWaterLevel, "water-level", "87.26 cm"},
		{state.FieldRainfall, "rain-data", "0.00 mm"},
		{state.MoistureField("tomatoes"), "tomatoes-moisture", "42%"},
		{state.FieldSystemState, "system-state", "État: Arrosage, Zone: Jardin, Source: Cuve, Mode: Auto"},
		{state.RelayField(16), "relay-status-16", "Robinet annex. activé"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			e, ok := renderField(snap, tt.field)
			require.True(t, ok)
			assert.Equal(t, tt.id, e.ID)
			assert.Equal(t, tt.text, e.Text)
		})
	}

	_, ok := renderField(snap, state.MoistureField("garden"))
	assert.False(t, ok, "no reading yet")
	_, ok = renderField(snap, state.RelayField(18))
	assert.False(t, ok, "relay never observed")
	_, ok = renderField(snap, "temperature")
	assert.False(t, ok)
}

func TestBinder_FollowsBus(t *testing.T) {
	bus := eventbus.New()
	m := newModel(bus)
	page := NewPage()
	b := NewBinder(m, nil, page, time.UTC, "indisponible")
	b.Attach(bus)

	m.ApplyPush(events.RelayChange{Pin: 12, State: true}, m.Stamp())
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeFetchFailed, Data: eventbus.FetchFailed{Field: state.FieldRainfall, Err: errors.New("down")}})
	m.ApplyPush(events.RelayChange{Pin: 12, State: false}, m.Stamp())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Close(ctx)

	relay, ok := page.Element("relay-status-12")
	require.True(t, ok)
	assert.Equal(t, "Jardin non arrosé", relay.Text)
	assert.Equal(t, "inactive", relay.Class)

	rain, ok := page.Element("rain-data")
	require.True(t, ok)
	assert.Equal(t, "indisponible", rain.Text)
}

func TestBinder_ResyncAfterDroppedNotification(t *testing.T) {
	bus := eventbus.NewWithConfig(1, 1)
	m := newModel(bus)
	page := NewPage()
	NewBinder(m, nil, page, time.UTC, "unavailable").Attach(bus)

	// occupy the only worker so the queue can fill up
	started := make(chan struct{})
	release := make(chan struct{})
	bus.Subscribe(eventbus.EventTypeChartReady, func(eventbus.Event) {
		close(started)
		<-release
	})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeChartReady, Data: eventbus.ChartReady{Window: "24h"}})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker did not pick up the chart event")
	}

	m.ApplyPush(events.RelayChange{Pin: 18, State: true}, m.Stamp())  // queued
	m.ApplyPush(events.RelayChange{Pin: 12, State: false}, m.Stamp()) // dropped
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Close(ctx)

	relay, ok := page.Element(RelayElement(12))
	require.True(t, ok)
	assert.Equal(t, "Jardin non arrosé", relay.Text)

	for _, r := range m.Snapshot().Relays {
		if !r.Known {
			continue
		}
		e, ok := page.Element(RelayElement(r.Pin))
		require.True(t, ok, "relay %d", r.Pin)
		assert.Equal(t, r.Label(), e.Text, "relay %d", r.Pin)
	}
}

func TestBinder_ResyncKeepsUnavailableFields(t *testing.T) {
	m := newModel(nil)
	m.ApplyFetch(state.FieldWaterLevel, 80, m.Stamp())
	m.ApplyFetch(state.FieldRainfall, 2, m.Stamp())
	page := NewPage()
	b := NewBinder(m, nil, page, time.UTC, "indisponible")
	b.RenderAll()

	b.MarkUnavailable(state.FieldWaterLevel)
	m.ApplyFetch(state.FieldRainfall, 3, m.Stamp())
	b.handleResync(eventbus.Event{Type: eventbus.EventTypeResync})

	water, _ := page.Element(ElementWaterLevel)
	assert.Equal(t, "indisponible", water.Text)
	rain, _ := page.Element(ElementRainData)
	assert.Equal(t, "3.00 mm", rain.Text)
}

func TestBinder_RecoversAfterFailedFetch(t *testing.T) {
	m := newModel(nil)
	page := NewPage()
	b := NewBinder(m, nil, page, time.UTC, "unavailable")

	m.ApplyFetch(state.FieldWaterLevel, 50, m.Stamp())
	b.RenderAll()

	b.handleFetchFailed(eventbus.Event{Data: eventbus.FetchFailed{Field: state.FieldWaterLevel}})
	e, _ := page.Element(ElementWaterLevel)
	assert.Equal(t, "unavailable", e.Text)

	// same value again: the model reports no change
	assert.Empty(t, m.ApplyFetch(state.FieldWaterLevel, 50, m.Stamp()))
	b.handleFetchSucceeded(eventbus.Event{Data: eventbus.FetchSucceeded{Field: state.FieldWaterLevel}})

	e, _ = page.Element(ElementWaterLevel)
	assert.Equal(t, "50.00 cm", e.Text)
}

func TestNewTrace_DisplayTimezone(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("tzdata not available")
	}
	s := &chart.Series{
		Name:   "Niveau d'eau (cm)",
		Window: chart.Window{Duration: chart.Window24h},
		Points: []chart.Point{{At: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Level: 12}},
	}

	tr := NewTrace(s, paris)
	assert.Equal(t, []string{"2024-01-01T11:00:00+01:00"}, tr.X)
	assert.Equal(t, []float64{12}, tr.Y)
	// the series itself is untouched
	assert.Equal(t, time.UTC, s.Points[0].At.Location())
}

type fakeSender struct {
	err error
}

func (f fakeSender) Send(_ context.Context, cmd backend.Command, _ string) (*backend.Ack, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &backend.Ack{Command: cmd, StatusCode: 200, Message: "ok"}, nil
}

type fakeLoader struct {
	err error
}

func (f fakeLoader) Load(_ context.Context, w chart.Window) (*chart.Series, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &chart.Series{Window: w, Points: []chart.Point{}}, nil
}

type fakeHistory struct{}

func (fakeHistory) Recent(limit int) ([]*ledger.Entry, error) {
	return []*ledger.Entry{{Command: "stop-watering", EventType: ledger.EventCommandAccepted}}, nil
}

func serve(t *testing.T, api *API, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := NewRouter()
	api.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestAPI_Commands(t *testing.T) {
	tests := []struct {
		name   string
		sender fakeSender
		target string
		want   int
	}{
		{"accepted", fakeSender{}, "/api/commands/stop-watering", http.StatusAccepted},
		{"unknown", fakeSender{}, "/api/commands/flood", http.StatusNotFound},
		{"rate limited", fakeSender{err: backend.ErrRateLimited}, "/api/commands/water-garden", http.StatusTooManyRequests},
		{"transport", fakeSender{err: &backend.TransportError{Path: "/water-garden", Err: errors.New("refused")}}, "/api/commands/water-garden", http.StatusServiceUnavailable},
		{"status", fakeSender{err: &backend.StatusError{Path: "/water-garden", StatusCode: 500}}, "/api/commands/water-garden", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &API{Page: NewPage(), Commands: tt.sender}, http.MethodPost, tt.target)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPI_Chart(t *testing.T) {
	api := &API{Page: NewPage(), Charts: fakeLoader{}, Location: time.UTC, DefaultWindow: chart.Window24h}

	rec := serve(t, api, http.MethodGet, "/api/chart?duration=7d")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Trace   Trace  `json:"trace"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "7d", body.Trace.Window)
	assert.Equal(t, "No data available", body.Message)

	assert.Equal(t, http.StatusBadRequest, serve(t, api, http.MethodGet, "/api/chart?duration=forever").Code)

	api.Charts = fakeLoader{err: chart.ErrSuperseded}
	assert.Equal(t, http.StatusConflict, serve(t, api, http.MethodGet, "/api/chart").Code)
}

func TestAPI_ViewStateHistory(t *testing.T) {
	m := newModel(nil)
	m.ApplyPush(events.WaterLevel{Level: 33}, m.Stamp())
	page := NewPage()
	NewBinder(m, nil, page, time.UTC, "unavailable").RenderAll()

	api := &API{Page: page, Model: m, History: fakeHistory{}}

	rec := serve(t, api, http.MethodGet, "/api/view")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"33.00 cm"`)

	rec = serve(t, api, http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"water_level":{"value":33`))

	rec = serve(t, api, http.MethodGet, "/api/commands/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stop-watering")

	assert.Equal(t, http.StatusBadRequest, serve(t, api, http.MethodGet, "/api/commands/history?limit=x").Code)
}
