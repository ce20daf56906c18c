package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/backend"
	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/mqttsrc"
	"github.com/pigarden/gardenview/internal/poller"
	"github.com/pigarden/gardenview/internal/router"
)

// PushService wraps the push transports feeding the router: the backend's
// SSE stream and, optionally, an MQTT broker.
type PushService struct {
	cfg *config.Config

	EventStream *backend.EventStream // nil when SSE is disabled
	MQTT        *mqttsrc.Source      // nil when MQTT is disabled

	router *router.Router
}

// NewPushService creates the configured push sources. Every (re)connect
// triggers a snapshot resync through the poller.
func NewPushService(cfg *config.Config, client *backend.Client, r *router.Router, p *poller.Poller) (*PushService, error) {
	s := &PushService{cfg: cfg, router: r}

	resync := func(context.Context) { p.Trigger() }

	if cfg.Push.SSE.IsEnabled() {
		streamConfig := backend.EventStreamConfig{
			Path:          cfg.Push.SSE.Path,
			MinBackoff:    cfg.Push.MinRetryBackoff.Duration(),
			MaxBackoff:    cfg.Push.MaxRetryBackoff.Duration(),
			Multiplier:    cfg.Push.RetryMultiplier,
			MaxReconnects: cfg.Push.MaxReconnects,
		}
		s.EventStream = backend.NewEventStream(client, streamConfig, s.route, resync)
	}

	if cfg.Push.MQTT.Enabled {
		opts := mqttsrc.Options{
			MQTTConfig: cfg.Push.MQTT,
			MinBackoff: cfg.Push.MinRetryBackoff.Duration(),
			MaxBackoff: cfg.Push.MaxRetryBackoff.Duration(),
			Multiplier: cfg.Push.RetryMultiplier,
			MaxRetries: cfg.Push.MaxReconnects,
		}
		if err := opts.Validate(); err != nil {
			return nil, err
		}
		s.MQTT = mqttsrc.New(opts, s.route, resync)
	}

	if s.EventStream == nil && s.MQTT == nil {
		log.Warn().Msg("No push transport enabled, relying on polling only")
	}
	return s, nil
}

// route errors are already logged and counted by the router
func (s *PushService) route(name string, data []byte) {
	_, _ = s.router.Route(name, data)
}

// Start runs every enabled source in the background.
// onFatalError is called when a source gives up (e.g., max reconnects exceeded).
func (s *PushService) Start(ctx context.Context, wg *sync.WaitGroup, onFatalError func(error)) {
	if s.EventStream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx, "sse", s.EventStream.Run, onFatalError)
		}()
	}

	if s.MQTT != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx, "mqtt", s.MQTT.Run, onFatalError)
		}()
	}
}

func (s *PushService) run(ctx context.Context, source string, run func(context.Context) error, onFatalError func(error)) {
	err := run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	if errors.Is(err, backend.ErrMaxReconnectsExceeded) {
		log.Error().Str("source", source).Msg("Push stream: max reconnects exceeded, triggering shutdown")
	} else {
		log.Error().Err(err).Str("source", source).Msg("Push stream gave up")
	}
	if onFatalError != nil {
		onFatalError(err)
	}
}
