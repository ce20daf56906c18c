// Package chart loads historical water-level windows from the backend and
// turns them into ascending, UTC-normalized series.
package chart

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/backend"
	"github.com/pigarden/gardenview/internal/eventbus"
	"github.com/pigarden/gardenview/internal/events"
	"github.com/pigarden/gardenview/internal/metrics"
	"github.com/pigarden/gardenview/internal/timeseries"
)

// ErrSuperseded is returned by Load when a newer Load started before this
// one finished. The displayed series is left untouched.
var ErrSuperseded = errors.New("chart load superseded by a newer request")

// Point is one sample of the series.
type Point struct {
	At    time.Time `json:"at"` // UTC
	Level float64   `json:"level"`
}

// Series is an ascending water-level series for one window.
type Series struct {
	Name       string  `json:"name"`
	Window     Window  `json:"window"`
	Generation uint64  `json:"generation"`
	Points     []Point `json:"points"`
	Skipped    int     `json:"skipped,omitempty"`
}

// Source fetches raw chart windows. *backend.Fetcher implements it.
type Source interface {
	ChartWindow(ctx context.Context, query url.Values) (*backend.RawSeries, error)
}

// Publisher receives ChartReady notifications. May be nil.
type Publisher interface {
	Publish(eventbus.Event)
}

// Pipeline loads chart windows. Only the most recently requested window can
// become the displayed series, whatever order responses arrive in.
type Pipeline struct {
	src  Source
	pub  Publisher
	name string

	gen atomic.Uint64

	mu       sync.Mutex
	current  *Series
	inflight context.CancelFunc
}

// NewPipeline creates a pipeline. seriesName labels produced series.
func NewPipeline(src Source, seriesName string, pub Publisher) *Pipeline {
	return &Pipeline{src: src, pub: pub, name: seriesName}
}

// Load fetches w, normalizes it and makes it the displayed series.
func (p *Pipeline) Load(ctx context.Context, w Window) (*Series, error) {
	gen := p.gen.Add(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.inflight != nil {
		p.inflight()
	}
	p.inflight = cancel
	p.mu.Unlock()

	raw, err := p.src.ChartWindow(ctx, w.Query())
	if p.gen.Load() != gen {
		metrics.ChartLoads.WithLabelValues("superseded").Inc()
		log.Debug().Str("window", w.String()).Uint64("generation", gen).Msg("Dropping superseded chart response")
		return nil, ErrSuperseded
	}
	if err != nil {
		metrics.ChartLoads.WithLabelValues("error").Inc()
		return nil, err
	}

	series := Build(raw, w)
	series.Name = p.name
	series.Generation = gen

	p.mu.Lock()
	// re-check under the lock so a newer load cannot be overwritten
	if p.gen.Load() != gen {
		p.mu.Unlock()
		metrics.ChartLoads.WithLabelValues("superseded").Inc()
		return nil, ErrSuperseded
	}
	p.current = series
	p.inflight = nil
	p.mu.Unlock()

	metrics.ChartLoads.WithLabelValues("ok").Inc()
	log.Debug().
		Str("window", w.String()).
		Uint64("generation", gen).
		Int("points", len(series.Points)).
		Int("skipped", series.Skipped).
		Msg("Chart series loaded")

	if p.pub != nil {
		p.pub.Publish(eventbus.Event{
			Type: eventbus.EventTypeChartReady,
			Data: eventbus.ChartReady{Window: w.String(), Generation: gen, Points: len(series.Points)},
		})
	}
	return series, nil
}

// Current returns the displayed series, or nil before the first load.
func (p *Pipeline) Current() *Series {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Build converts a raw window into a series. Points with a malformed
// timestamp or level are skipped; extra entries in the longer array are dropped.
func Build(raw *backend.RawSeries, w Window) *Series {
	s := &Series{Window: w, Points: []Point{}}
	if raw == nil {
		return s
	}

	n := len(raw.Timestamps)
	if len(raw.WaterLevels) != n {
		log.Warn().
			Int("timestamps", len(raw.Timestamps)).
			Int("water_levels", len(raw.WaterLevels)).
			Msg("Chart arrays differ in length, truncating")
		if len(raw.WaterLevels) < n {
			n = len(raw.WaterLevels)
		}
	}

	for i := 0; i < n; i++ {
		var ts string
		if err := json.Unmarshal(raw.Timestamps[i], &ts); err != nil {
			s.Skipped++
			continue
		}
		at, err := timeseries.Normalize(ts)
		if err != nil {
			s.Skipped++
			log.Debug().Err(err).Int("index", i).Msg("Skipping chart point")
			continue
		}

		var level events.Number
		if err := json.Unmarshal(raw.WaterLevels[i], &level); err != nil {
			s.Skipped++
			log.Debug().Err(err).Int("index", i).Msg("Skipping chart point")
			continue
		}

		s.Points = append(s.Points, Point{At: at, Level: float64(level)})
	}

	sort.SliceStable(s.Points, func(i, j int) bool {
		return s.Points[i].At.Before(s.Points[j].At)
	})
	return s
}
