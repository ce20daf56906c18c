package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/pigarden/gardenview/internal/events"
)

// Snapshot endpoints.
const (
	PathWaterLevel = "/get-water-level"
	PathRainfall   = "/get-last-rain-data"
	PathChartData  = "/water-level-chart-data"
)

// RawSeries is an undecoded chart window. Values are kept raw so one bad
// point can be skipped without losing the rest.
type RawSeries struct {
	Timestamps  []json.RawMessage `json:"timestamps"`
	WaterLevels []json.RawMessage `json:"water_levels"`
}

// Fetcher performs one-shot reads of the current backend state.
type Fetcher struct {
	client *Client
}

// NewFetcher creates a fetcher using client.
func NewFetcher(client *Client) *Fetcher {
	return &Fetcher{client: client}
}

// WaterLevel returns the reservoir level in centimeters.
func (f *Fetcher) WaterLevel(ctx context.Context) (float64, error) {
	return f.number(ctx, PathWaterLevel, "water_level")
}

// Rainfall returns the rain accumulated over the last 12 hours, in millimeters.
func (f *Fetcher) Rainfall(ctx context.Context) (float64, error) {
	return f.number(ctx, PathRainfall, "rain_data")
}

// ChartWindow fetches the raw series for a window query. The backend answers
// 404 when the window holds no data; that is returned as an empty series.
func (f *Fetcher) ChartWindow(ctx context.Context, query url.Values) (*RawSeries, error) {
	resp, err := f.client.get(ctx, PathChartData, query)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return &RawSeries{}, nil
		}
		return nil, err
	}

	var raw RawSeries
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, &events.MalformedPayloadError{Source: PathChartData, Err: err}
	}
	return &raw, nil
}

func (f *Fetcher) number(ctx context.Context, path, field string) (float64, error) {
	resp, err := f.client.get(ctx, path, nil)
	if err != nil {
		return 0, err
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, &events.MalformedPayloadError{Source: path, Err: err}
	}
	raw, ok := body[field]
	if !ok {
		return 0, &events.MalformedPayloadError{Source: path, Field: field, Err: errors.New("missing")}
	}

	var n events.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, &events.MalformedPayloadError{Source: path, Field: field, Err: err}
	}
	return float64(n), nil
}
