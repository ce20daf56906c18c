package view

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/backend"
	"github.com/pigarden/gardenview/internal/chart"
	"github.com/pigarden/gardenview/internal/ledger"
)

// CommandSender dispatches control commands.
type CommandSender interface {
	Send(ctx context.Context, cmd backend.Command, source string) (*backend.Ack, error)
}

// ChartLoader loads chart windows.
type ChartLoader interface {
	Load(ctx context.Context, w chart.Window) (*chart.Series, error)
}

// History lists recorded commands.
type History interface {
	Recent(limit int) ([]*ledger.Entry, error)
}

// API serves the dashboard over HTTP.
type API struct {
	Page          *Page
	Model         StateReader
	Commands      CommandSender
	Charts        ChartLoader
	History       History // may be nil
	Location      *time.Location
	DefaultWindow string
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/view", a.handleView)
		r.Get("/state", a.handleState)
		r.Get("/chart", a.handleChart)
		r.Post("/commands/{name}", a.handleCommand)
		r.Get("/commands/history", a.handleHistory)
	})
}

// NewRouter builds a chi router with the standard middleware stack.
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	return r
}

func (a *API) handleView(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Elements []Element `json:"elements"`
		Chart    *Trace    `json:"chart,omitempty"`
	}{Elements: a.Page.Elements()}
	if t, ok := a.Page.Chart(); ok {
		resp.Chart = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Model.Snapshot())
}

func (a *API) handleChart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	win, err := chart.ParseWindow(q.Get("duration"), q.Get("month"), q.Get("year"), a.DefaultWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	series, err := a.Charts.Load(r.Context(), win)
	if err != nil {
		if errors.Is(err, chart.ErrSuperseded) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeBackendError(w, err)
		return
	}

	if len(series.Points) == 0 {
		// same answer as the backend for an empty window, but not an error
		writeJSON(w, http.StatusOK, map[string]any{"trace": NewTrace(series, a.Location), "message": "No data available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": NewTrace(series, a.Location)})
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := backend.ParseCommand(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ack, err := a.Commands.Send(r.Context(), cmd, "http")
	if err != nil {
		if errors.Is(err, backend.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeBackendError(w, err)
		return
	}

	// state changes arrive later through push events
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeJSON(w, http.StatusOK, []*ledger.Entry{})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := a.History.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read command history")
		writeError(w, http.StatusInternalServerError, "failed to read command history")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeBackendError(w http.ResponseWriter, err error) {
	var te *backend.TransportError
	var se *backend.StatusError
	switch {
	case errors.As(err, &te):
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, se.Error())
	default:
		log.Error().Err(err).Msg("Unexpected backend error")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
