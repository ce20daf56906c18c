package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/backend"
	"github.com/pigarden/gardenview/internal/chart"
	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/db"
	"github.com/pigarden/gardenview/internal/eventbus"
	"github.com/pigarden/gardenview/internal/garden"
	"github.com/pigarden/gardenview/internal/ledger"
	"github.com/pigarden/gardenview/internal/poller"
	"github.com/pigarden/gardenview/internal/router"
	"github.com/pigarden/gardenview/internal/state"
	"github.com/pigarden/gardenview/internal/view"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus

	// Reconciliation
	Model  *state.Model
	Router *router.Router

	// Backend access
	Client     *backend.Client
	Fetcher    *backend.Fetcher
	Dispatcher *backend.Dispatcher
	Poller     *poller.Poller
	Charts     *chart.Pipeline

	// Presentation
	Page   *view.Page
	Binder *view.Binder

	// High-level services
	Push    *PushService
	HTTP    *HTTPService
	Cleanup *LedgerService

	wg sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	s.Ledger = ledger.New(database.DB)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Model and push routing
	s.Model = state.New(cfg.Zones, garden.NewPinTable(cfg.Relays), s.Bus)
	s.Router = router.New(s.Model)

	// Backend client; one breaker guards every request path
	breaker := backend.NewBreaker("pigarden-backend", cfg.Breaker)
	s.Client = backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout.Duration(), breaker)
	s.Fetcher = backend.NewFetcher(s.Client)
	s.Dispatcher = backend.NewDispatcher(s.Client, cfg.Commands.RateLimitRPS, cfg.Commands.Burst, s.Ledger)
	s.Poller = poller.New(s.Fetcher, s.Model, s.Bus, cfg.Poll.Interval.Duration())
	s.Charts = chart.NewPipeline(s.Fetcher, cfg.Chart.SeriesName, s.Bus)

	// Presentation
	s.Page = view.NewPage()
	s.Binder = view.NewBinder(s.Model, s.Charts, s.Page, cfg.Display.Location(), cfg.Display.UnavailableText)
	s.Binder.Attach(s.Bus)

	s.Push, err = NewPushService(cfg, s.Client, s.Router, s.Poller)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.HTTP = NewHTTPService(cfg, &view.API{
		Page:          s.Page,
		Model:         s.Model,
		Commands:      s.Dispatcher,
		Charts:        s.Charts,
		History:       s.Ledger,
		Location:      cfg.Display.Location(),
		DefaultWindow: cfg.Chart.DefaultWindow,
	})

	s.Cleanup = NewLedgerService(cfg, s.Ledger)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.spawn(func() {
		if err := s.Poller.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Snapshot poller error")
		}
	})

	s.spawn(func() { s.loadInitialChart(ctx) })

	s.Push.Start(ctx, &s.wg, onFatalError)
	s.HTTP.Start(ctx, &s.wg)
	s.Cleanup.Start(ctx, &s.wg)

	// whatever the model holds right now; later changes arrive through the bus
	s.Binder.RenderAll()
	s.HTTP.SetReady(true)

	return nil
}

func (s *Services) loadInitialChart(ctx context.Context) {
	w, err := chart.ParseWindow("", "", "", s.cfg.Chart.DefaultWindow)
	if err != nil {
		log.Error().Err(err).Str("window", s.cfg.Chart.DefaultWindow).Msg("Invalid default chart window")
		return
	}
	if _, err := s.Charts.Load(ctx, w); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("window", w.String()).Msg("Initial chart load failed")
	}
}

func (s *Services) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop waits for background goroutines, then releases all resources.
// The caller cancels the context passed to Start first.
func (s *Services) Stop() error {
	if s.HTTP != nil {
		s.HTTP.SetReady(false)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for background services")
	}

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.Client != nil {
		s.Client.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}
}
