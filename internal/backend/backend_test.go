package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/events"
	"github.com/pigarden/gardenview/internal/ledger"
)

func testBreaker() *gobreaker.CircuitBreaker {
	return NewBreaker("test", config.BreakerConfig{
		MaxFailures: 3,
		OpenFor:     config.Duration(time.Minute),
		Interval:    config.Duration(time.Minute),
	})
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 2*time.Second, testBreaker()), srv
}

func TestFetcher_WaterLevel(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr bool
	}{
		{"number", `{"water_level": 87.5}`, 87.5, false},
		{"string", `{"water_level": "87.50"}`, 87.5, false},
		{"nan", `{"water_level": "NaN"}`, 0, true},
		{"missing", `{"level": 3}`, 0, true},
		{"not_json", `<html>`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, PathWaterLevel, r.URL.Path)
				assert.NotEmpty(t, r.Header.Get(RequestIDHeader))
				w.Write([]byte(tt.body))
			})

			got, err := NewFetcher(client).WaterLevel(context.Background())
			if tt.wantErr {
				var mpe *events.MalformedPayloadError
				assert.True(t, errors.As(err, &mpe), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetcher_Rainfall(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathRainfall, r.URL.Path)
		w.Write([]byte(`{"rain_data": "0.00"}`))
	})

	got, err := NewFetcher(client).Rainfall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestFetcher_TransportError(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := NewFetcher(client).WaterLevel(context.Background())
	var te *TransportError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestFetcher_ChartWindow(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathChartData, r.URL.Path)
		if r.URL.Query().Get("duration") == "365d" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "No data available"}`))
			return
		}
		w.Write([]byte(`{"timestamps": ["2024-01-01T10:00:00", "2024-01-01T11:00:00"], "water_levels": [10, "11.5"]}`))
	})
	f := NewFetcher(client)

	raw, err := f.ChartWindow(context.Background(), url.Values{"duration": {"24h"}})
	require.NoError(t, err)
	assert.Len(t, raw.Timestamps, 2)
	assert.Len(t, raw.WaterLevels, 2)

	empty, err := f.ChartWindow(context.Background(), url.Values{"duration": {"365d"}})
	require.NoError(t, err)
	assert.Empty(t, empty.Timestamps)
}

func TestClient_BreakerOpens(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})
	f := NewFetcher(client)

	for i := 0; i < 3; i++ {
		_, err := f.WaterLevel(context.Background())
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	}

	_, err := f.WaterLevel(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, calls)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (m *memRecorder) Append(e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestDispatcher_Accepted(t *testing.T) {
	var seenID string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stop-watering", r.URL.Path)
		seenID = r.Header.Get(RequestIDHeader)
		w.Write([]byte(`{"status": "ok"}`))
	})
	rec := &memRecorder{}
	d := NewDispatcher(client, 100, 10, rec)

	ack, err := d.Send(context.Background(), CommandStopWatering, "test")
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Message)
	assert.Equal(t, http.StatusOK, ack.StatusCode)
	assert.Equal(t, seenID, ack.RequestID)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, ledger.EventCommandSent, rec.entries[0].EventType)
	assert.Equal(t, ledger.EventCommandAccepted, rec.entries[1].EventType)
	assert.Equal(t, seenID, rec.entries[1].RequestID)
}

func TestDispatcher_Failures(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	rec := &memRecorder{}
	d := NewDispatcher(client, 100, 10, rec)

	_, err := d.Send(context.Background(), CommandWaterGarden, "test")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	last := rec.entries[len(rec.entries)-1]
	assert.Equal(t, ledger.EventCommandFailed, last.EventType)
	assert.Equal(t, http.StatusInternalServerError, last.StatusCode)

	_, err = d.Send(context.Background(), Command("flood-everything"), "test")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDispatcher_RejectedCommandIsNotAccepted(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message": "Arrosage déjà en cours"}`))
	})
	rec := &memRecorder{}
	d := NewDispatcher(client, 100, 10, rec)

	ack, err := d.Send(context.Background(), CommandWaterTomatoes, "test")
	assert.Nil(t, ack)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.StatusCode)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, ledger.EventCommandSent, rec.entries[0].EventType)
	assert.Equal(t, ledger.EventCommandFailed, rec.entries[1].EventType)
	assert.Equal(t, http.StatusConflict, rec.entries[1].StatusCode)
}

func TestDispatcher_RateLimited(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message": "Arrosage du jardin"}`))
	})
	d := NewDispatcher(client, 0.001, 1, nil)

	_, err := d.Send(context.Background(), CommandWaterGarden, "test")
	require.NoError(t, err)
	_, err = d.Send(context.Background(), CommandWaterGarden, "test")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestParseCommand(t *testing.T) {
	for _, c := range Commands {
		got, err := ParseCommand(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCommand("")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}
