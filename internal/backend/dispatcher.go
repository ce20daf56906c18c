package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pigarden/gardenview/internal/ledger"
	"github.com/pigarden/gardenview/internal/metrics"
)

// Command is a control action understood by the backend.
type Command string

const (
	CommandWaterGarden    Command = "water-garden"
	CommandWaterTomatoes  Command = "water-tomatoes"
	CommandActivateFaucet Command = "activate-faucet"
	CommandStopWatering   Command = "stop-watering"
)

// Commands lists every known command.
var Commands = []Command{CommandWaterGarden, CommandWaterTomatoes, CommandActivateFaucet, CommandStopWatering}

var (
	// ErrUnknownCommand is returned for names outside Commands.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrRateLimited is returned when commands are sent faster than allowed.
	ErrRateLimited = errors.New("command rate limit exceeded")
)

// ParseCommand validates a command name.
func ParseCommand(name string) (Command, error) {
	for _, c := range Commands {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// Ack is the backend's acknowledgement of a command. Acceptance only means
// the backend received it; state changes arrive later as push events.
type Ack struct {
	Command    Command        `json:"command"`
	RequestID  string         `json:"request_id"`
	StatusCode int            `json:"status_code"`
	Message    string         `json:"message,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
}

// Recorder stores command audit entries. *ledger.Ledger implements it.
type Recorder interface {
	Append(e ledger.Entry) error
}

// Dispatcher sends control commands. It never touches the state model and
// never retries.
type Dispatcher struct {
	client  *Client
	limiter *rate.Limiter
	ledger  Recorder
}

// NewDispatcher creates a dispatcher. rec may be nil.
func NewDispatcher(client *Client, rps float64, burst int, rec Recorder) *Dispatcher {
	if rps <= 0 {
		rps = 2.0
	}
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		ledger:  rec,
	}
}

// Send issues one command. Failures are *TransportError or *StatusError.
func (d *Dispatcher) Send(ctx context.Context, cmd Command, source string) (*Ack, error) {
	if _, err := ParseCommand(string(cmd)); err != nil {
		return nil, err
	}
	if !d.limiter.Allow() {
		metrics.Commands.WithLabelValues(string(cmd), "rate_limited").Inc()
		return nil, ErrRateLimited
	}

	requestID := uuid.NewString()
	d.record(ledger.Entry{
		EventType: ledger.EventCommandSent,
		Command:   string(cmd),
		RequestID: requestID,
		Source:    source,
	})

	// a non-2xx answer comes back as *StatusError with resp still set, so the
	// command is recorded as failed together with the backend's status code
	resp, err := d.client.do(ctx, requestID, "/"+string(cmd), nil)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}

	if err != nil {
		metrics.Commands.WithLabelValues(string(cmd), "failed").Inc()
		d.record(ledger.Entry{
			EventType:  ledger.EventCommandFailed,
			Command:    string(cmd),
			RequestID:  requestID,
			Source:     source,
			StatusCode: statusCode,
			Payload:    map[string]any{"error": err.Error()},
		})
		log.Warn().Err(err).Str("command", string(cmd)).Msg("Command failed")
		return nil, err
	}

	ack := &Ack{Command: cmd, RequestID: requestID, StatusCode: statusCode}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &ack.Body); err != nil {
			// the backend answered 2xx, so the command was accepted
			log.Debug().Err(err).Str("command", string(cmd)).Msg("Command ack is not a JSON object")
		}
	}
	ack.Message = ackMessage(ack.Body)

	metrics.Commands.WithLabelValues(string(cmd), "accepted").Inc()
	d.record(ledger.Entry{
		EventType:  ledger.EventCommandAccepted,
		Command:    string(cmd),
		RequestID:  requestID,
		Source:     source,
		StatusCode: statusCode,
		Payload:    ack.Body,
	})

	log.Info().
		Str("command", string(cmd)).
		Str("request_id", requestID).
		Str("message", ack.Message).
		Msg("Command accepted")

	return ack, nil
}

func (d *Dispatcher) record(e ledger.Entry) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.Append(e); err != nil {
		log.Error().Err(err).Str("command", e.Command).Msg("Failed to record command")
	}
}

func ackMessage(body map[string]any) string {
	for _, key := range []string{"message", "status"} {
		if s, ok := body[key].(string); ok {
			return s
		}
	}
	return ""
}
