// Package app assembles gardenview's services and drives their lifecycle.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/config"
)

// App owns the service container for one process run.
type App struct {
	cfg      *config.Config
	services *Services

	mu    sync.Mutex
	fatal error
}

// New builds every service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Run starts the services, blocks until ctx is cancelled or a service fails
// fatally, then shuts everything down. It returns the fatal error, if any.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	onFatal := func(err error) {
		a.mu.Lock()
		if a.fatal == nil {
			a.fatal = err
		}
		a.mu.Unlock()
		log.Error().Err(err).Msg("Fatal service error, shutting down")
		cancel()
	}

	if err := a.services.Start(ctx, onFatal); err != nil {
		a.services.Close()
		return err
	}
	log.Info().
		Str("backend", a.cfg.Backend.URL).
		Bool("sse", a.services.Push.EventStream != nil).
		Bool("mqtt", a.services.Push.MQTT != nil).
		Msg("gardenview running")

	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	if err := a.services.Stop(); err != nil {
		log.Error().Err(err).Msg("Error while stopping services")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal
}

// Services exposes the container, mainly for tests.
func (a *App) Services() *Services {
	return a.services
}

// ErrInterrupted marks a shutdown requested by a signal.
var ErrInterrupted = errors.New("interrupted")

// SignalContext is cancelled with ErrInterrupted as cause on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel(ErrInterrupted)
	}()

	return ctx
}
