package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/metrics"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

var errStreamClosed = errors.New("stream closed by backend")

// EventHandler receives one push event. Calls are sequential, in stream order.
type EventHandler func(name string, data []byte)

// EventStreamConfig contains configuration for event stream reconnection.
type EventStreamConfig struct {
	Path          string
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultEventStreamConfig returns the defaults used when nothing is configured.
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{
		Path:       "/events",
		MinBackoff: 1 * time.Second,
		MaxBackoff: 2 * time.Minute,
		Multiplier: 2.0,
	}
}

// EventStream listens to the backend's server-sent events.
type EventStream struct {
	client     *Client
	httpClient *http.Client
	config     EventStreamConfig
	handle     EventHandler

	// called after every successful (re)connect, before events are read
	onConnect func(ctx context.Context)
}

// NewEventStream creates a stream listener delivering events to handle.
// Zero fields of config take their DefaultEventStreamConfig value, except
// MaxReconnects. onConnect may be nil.
func NewEventStream(client *Client, config EventStreamConfig, handle EventHandler, onConnect func(ctx context.Context)) *EventStream {
	def := DefaultEventStreamConfig()
	if config.Path == "" {
		config.Path = def.Path
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = def.MinBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}

	return &EventStream{
		client:     client,
		httpClient: &http.Client{}, // no timeout, the connection is long-lived
		config:     config,
		handle:     handle,
		onConnect:  onConnect,
	}
}

func (e *EventStream) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.config.MinBackoff
	exp.MaxInterval = e.config.MaxBackoff
	exp.Multiplier = e.config.Multiplier
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = exp
	if e.config.MaxReconnects > 0 {
		b = backoff.WithMaxRetries(exp, uint64(e.config.MaxReconnects))
	}
	b = backoff.WithContext(b, ctx)
	b.Reset()
	return b
}

// Run listens with automatic reconnection until ctx is done.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (e *EventStream) Run(ctx context.Context) error {
	b := e.backOff(ctx)
	retry := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := e.connect(ctx)
		metrics.StreamConnected.WithLabelValues("sse").Set(0)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
			retry = 0
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().
				Int("max_reconnects", e.config.MaxReconnects).
				Msg("Event stream: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}
		retry++
		metrics.StreamReconnects.WithLabelValues("sse").Inc()

		log.Warn().
			Err(err).
			Dur("backoff", wait).
			Int("retry", retry).
			Int("max_reconnects", e.config.MaxReconnects).
			Msg("Event stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// connect runs one connection. connected reports whether the stream was
// established before it failed.
func (e *EventStream) connect(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.client.url(e.config.Path, nil), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false, &TransportError{Path: e.config.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &StatusError{Path: e.config.Path, StatusCode: resp.StatusCode}
	}

	log.Info().Str("url", e.client.url(e.config.Path, nil)).Msg("Connected to backend event stream")
	metrics.StreamConnected.WithLabelValues("sse").Set(1)

	// events missed while disconnected are recovered from a snapshot
	if e.onConnect != nil {
		e.onConnect(ctx)
	}

	if err := ReadEvents(resp.Body, e.handle); err != nil {
		return true, err
	}
	return true, errStreamClosed
}

// ReadEvents parses a text/event-stream body and calls handle for every
// complete event. Events without a name are delivered as "message".
func ReadEvents(r io.Reader, handle EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	name := ""
	var data strings.Builder
	hasData := false

	dispatch := func() {
		if hasData {
			if name == "" {
				name = "message"
			}
			handle(name, []byte(data.String()))
		}
		name = ""
		data.Reset()
		hasData = false
	}

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			dispatch()
			continue
		}
		// comment / keep-alive
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id", "retry":
		default:
			log.Trace().Str("field", field).Msg("Ignoring unknown event stream field")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
