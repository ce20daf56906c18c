// Package router dispatches named push events to the state model.
package router

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/events"
	"github.com/pigarden/gardenview/internal/metrics"
	"github.com/pigarden/gardenview/internal/state"
)

// Applier is the part of state.Model the router writes to.
type Applier interface {
	Stamp() state.Stamp
	ApplyPush(ev events.Event, stamp state.Stamp) state.Changes
}

// Router applies push events in delivery order, exactly once each.
// It neither buffers, reorders nor deduplicates.
type Router struct {
	model Applier
	table map[events.Name]func(events.Event, state.Stamp) state.Changes
}

// New creates a router writing to model.
func New(model Applier) *Router {
	r := &Router{model: model}
	r.table = map[events.Name]func(events.Event, state.Stamp) state.Changes{
		events.NameWaterLevel:  model.ApplyPush,
		events.NameMoisture:    model.ApplyPush,
		events.NameSystemState: model.ApplyPush,
		events.NameRelayChange: model.ApplyPush,
	}
	return r
}

// Route decodes one event and applies it. Unknown names and malformed
// payloads are logged and skipped; the returned error is informational.
func (r *Router) Route(name string, payload []byte) (state.Changes, error) {
	stamp := r.model.Stamp()

	apply, ok := r.table[events.Name(name)]
	if !ok {
		metrics.PushEvents.WithLabelValues("unknown", "ignored").Inc()
		log.Debug().Str("event", name).Msg("Ignoring unknown push event")
		return nil, nil
	}

	ev, err := events.Decode(name, payload)
	if err != nil {
		var mpe *events.MalformedPayloadError
		if errors.As(err, &mpe) {
			metrics.PushEvents.WithLabelValues(name, "malformed").Inc()
			log.Warn().Err(err).Str("event", name).Msg("Skipping malformed push event")
			return nil, err
		}
		metrics.PushEvents.WithLabelValues(name, "error").Inc()
		log.Error().Err(err).Str("event", name).Msg("Failed to decode push event")
		return nil, err
	}

	if ss, ok := ev.(events.SystemState); ok && len(ss.Missing) > 0 {
		log.Warn().Strs("missing", ss.Missing).Msg("System state payload incomplete")
	}

	changes := apply(ev, stamp)
	result := "applied"
	if len(changes) == 0 {
		result = "unchanged"
	}
	metrics.PushEvents.WithLabelValues(name, result).Inc()

	log.Debug().
		Str("event", name).
		Uint64("stamp", uint64(stamp)).
		Strs("changes", changes).
		Msg("Push event routed")

	return changes, nil
}
