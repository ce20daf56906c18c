// Package backend talks to the garden controller's HTTP API: snapshot reads,
// chart windows, control commands and the push event stream.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/metrics"
)

// RequestIDHeader carries the client-generated id of each request.
const RequestIDHeader = "X-Request-ID"

const maxBodySize = 4 << 20

// TransportError is a network-level failure: connection refused, timeout,
// or a request short-circuited by the open breaker.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx answer from a reachable backend.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("backend %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// response is a fully read backend answer.
type response struct {
	StatusCode int
	Body       []byte
	RequestID  string
}

// Client performs GET requests against the backend through a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a client for baseURL (no trailing slash).
func NewClient(baseURL string, timeout time.Duration, breaker *gobreaker.CircuitBreaker) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: breaker,
	}
}

// NewBreaker builds the breaker shared by every request to the backend.
// Backend 4xx answers do not count as failures.
func NewBreaker(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Interval.Duration(),
		Timeout:  cfg.OpenFor.Duration(),
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Backend circuit breaker state changed")
		},
	})
}

// Close closes idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*response, error) {
	return c.do(ctx, uuid.NewString(), path, query)
}

// do issues one GET. Non-2xx answers come back as *StatusError together
// with the response; network failures as *TransportError.
func (c *Client) do(ctx context.Context, requestID, path string, query url.Values) (*response, error) {
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, query), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(RequestIDHeader, requestID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &TransportError{Path: path, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, &TransportError{Path: path, Err: fmt.Errorf("read body: %w", err)}
		}

		r := &response{StatusCode: resp.StatusCode, Body: body, RequestID: requestID}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return r, &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return r, nil
	})

	metrics.BackendLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransportError{Path: path, Err: err}
	}

	resp, _ := result.(*response)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Str("request_id", requestID).Msg("Backend request failed")
	}
	return resp, err
}
