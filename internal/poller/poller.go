// Package poller periodically reads the backend's snapshot endpoints into the
// state model, and resyncs on demand after the push stream reconnects.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/eventbus"
	"github.com/pigarden/gardenview/internal/metrics"
	"github.com/pigarden/gardenview/internal/state"
)

// Fetcher reads current values. *backend.Fetcher implements it.
type Fetcher interface {
	WaterLevel(ctx context.Context) (float64, error)
	Rainfall(ctx context.Context) (float64, error)
}

// Model is the part of state.Model the poller writes to.
type Model interface {
	Stamp() state.Stamp
	LastApplied(field string) state.Stamp
	ApplyFetch(field string, value float64, stamp state.Stamp) state.Changes
}

// Publisher receives fetch outcome events. May be nil.
type Publisher interface {
	Publish(eventbus.Event)
}

// Poller keeps the snapshot fields fresh.
type Poller struct {
	fetcher  Fetcher
	model    Model
	pub      Publisher
	interval time.Duration

	// Channel to trigger an immediate poll
	trigger chan struct{}
}

// New creates a poller. A zero interval defaults to one minute.
func New(fetcher Fetcher, model Model, pub Publisher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		fetcher:  fetcher,
		model:    model,
		pub:      pub,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate poll. Never blocks; requests coalesce.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Run polls once at start, then on every tick or trigger until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().Dur("interval", p.interval).Msg("Snapshot poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Snapshot poller stopping")
			return nil

		case <-p.trigger:
			p.PollOnce(ctx)

		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce reads every snapshot field once.
func (p *Poller) PollOnce(ctx context.Context) {
	p.poll(ctx, state.FieldWaterLevel, p.fetcher.WaterLevel)
	p.poll(ctx, state.FieldRainfall, p.fetcher.Rainfall)
}

func (p *Poller) poll(ctx context.Context, field string, fetch func(context.Context) (float64, error)) {
	// stamped at issue time: a push that lands while this request is in
	// flight wins over the response
	stamp := p.model.Stamp()

	value, err := fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.FetchErrors.WithLabelValues(field).Inc()
		if p.model.LastApplied(field) > stamp {
			// a push landed meanwhile; the field shows a value newer than this read
			log.Debug().Err(err).Str("field", field).Msg("Snapshot fetch failed after a newer push, keeping the pushed value")
			return
		}
		log.Warn().Err(err).Str("field", field).Msg("Snapshot fetch failed")
		p.publish(eventbus.Event{
			Type: eventbus.EventTypeFetchFailed,
			Data: eventbus.FetchFailed{Field: field, Err: err},
		})
		return
	}

	changes := p.model.ApplyFetch(field, value, stamp)
	log.Debug().
		Str("field", field).
		Float64("value", value).
		Uint64("stamp", uint64(stamp)).
		Bool("changed", len(changes) > 0).
		Msg("Snapshot fetched")

	p.publish(eventbus.Event{
		Type: eventbus.EventTypeFetchSucceeded,
		Data: eventbus.FetchSucceeded{Field: field},
	})
}

func (p *Poller) publish(e eventbus.Event) {
	if p.pub != nil {
		p.pub.Publish(e)
	}
}
