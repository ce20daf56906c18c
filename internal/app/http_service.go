package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/metrics"
	"github.com/pigarden/gardenview/internal/view"
)

// HTTPService serves the dashboard API plus health, readiness and metrics.
type HTTPService struct {
	cfg    *config.Config
	api    *view.API
	server *http.Server
	ready  atomic.Bool
}

// NewHTTPService creates a new HTTPService.
func NewHTTPService(cfg *config.Config, api *view.API) *HTTPService {
	return &HTTPService{
		cfg: cfg,
		api: api,
	}
}

// SetReady flips the /ready answer.
func (s *HTTPService) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler builds the full route tree.
func (s *HTTPService) Handler() http.Handler {
	r := view.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, `{"status":"healthy"}`)
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, `{"status":"starting"}`)
			return
		}
		writeStatus(w, http.StatusOK, `{"status":"ready"}`)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		s.api.Routes(r)
	})
	return r
}

// Start begins the HTTP server if enabled.
func (s *HTTPService) Start(ctx context.Context, wg *sync.WaitGroup) {
	if !s.cfg.HTTP.IsEnabled() {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(ctx)
	}()
}

func (s *HTTPService) run(ctx context.Context) {
	addr := s.cfg.HTTP.Addr()

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting HTTP server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("HTTP server error")
	}
}

func writeStatus(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
