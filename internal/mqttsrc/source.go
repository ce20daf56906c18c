// Package mqttsrc feeds push events received over MQTT into the router.
// Each event is published on <prefix>/<event name> with the JSON payload the
// SSE stream would carry.
package mqttsrc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/metrics"
)

// Handler receives one decoded event name and its raw payload.
type Handler func(name string, payload []byte)

// Options tune the broker connection.
type Options struct {
	config.MQTTConfig

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Multiplier float64
	MaxRetries int // 0 = retry until ctx is done
}

// Source subscribes to the event topics and hands messages to a Handler.
type Source struct {
	opts      Options
	handle    Handler
	onConnect func(ctx context.Context)

	// overridable in tests
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New creates an MQTT source. onConnect runs after every (re)connect.
func New(opts Options, handle Handler, onConnect func(ctx context.Context)) *Source {
	return &Source{
		opts:      opts,
		handle:    handle,
		onConnect: onConnect,
		newClient: mqtt.NewClient,
	}
}

// Topic returns the wildcard subscription topic.
func (s *Source) Topic() string {
	return strings.TrimRight(s.opts.TopicPrefix, "/") + "/+"
}

// EventName extracts the event name from a topic under prefix.
func EventName(prefix, topic string) (string, bool) {
	prefix = strings.TrimRight(prefix, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(topic, prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	metrics.StreamConnected.WithLabelValues("mqtt").Set(0)
	client.Disconnect(250)
	log.Info().Msg("MQTT connection closed")
	return nil
}

func (s *Source) clientOptions(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.Broker)
	opts.SetClientID(s.opts.ClientID)
	opts.SetUsername(s.opts.Username)
	opts.SetPassword(s.opts.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.opts.MaxBackoff)
	// messages for one subscription are delivered in arrival order
	opts.SetOrderMatters(true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.StreamConnected.WithLabelValues("mqtt").Set(0)
		log.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		metrics.StreamReconnects.WithLabelValues("mqtt").Inc()
		log.Info().Msg("MQTT reconnecting")
	})
	// clean sessions drop subscriptions, so subscribe on every connect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			log.Error().Err(err).Str("topic", s.Topic()).Msg("MQTT subscribe failed")
			return
		}
		metrics.StreamConnected.WithLabelValues("mqtt").Set(1)
		log.Info().Str("broker", s.opts.Broker).Str("topic", s.Topic()).Msg("MQTT subscribed")
		if s.onConnect != nil {
			s.onConnect(ctx)
		}
	})
	return opts
}

func (s *Source) connect(ctx context.Context) (mqtt.Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.MinBackoff
	bo.MaxInterval = s.opts.MaxBackoff
	if s.opts.Multiplier > 0 {
		bo.Multiplier = s.opts.Multiplier
	}
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = bo
	if s.opts.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(bo, uint64(s.opts.MaxRetries))
	}

	opts := s.clientOptions(ctx)
	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = s.newClient(opts)
		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("broker", s.opts.Broker).Msg("Failed to connect to MQTT broker")
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("could not connect to MQTT broker %s: %w", s.opts.Broker, err)
	}

	log.Info().Str("broker", s.opts.Broker).Msg("Connected to MQTT broker")
	return client, nil
}

func (s *Source) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.Topic(), 1, s.onMessage)
	token.Wait()
	return token.Error()
}

func (s *Source) onMessage(_ mqtt.Client, m mqtt.Message) {
	name, ok := EventName(s.opts.TopicPrefix, m.Topic())
	if !ok {
		log.Debug().Str("topic", m.Topic()).Msg("Ignoring message outside event topics")
		return
	}
	s.handle(name, m.Payload())
}

// ErrNoBroker is returned by Validate when MQTT is enabled without a broker.
var ErrNoBroker = errors.New("mqtt: broker address required")

// Validate checks the options before Run is attempted.
func (o Options) Validate() error {
	if o.Broker == "" {
		return ErrNoBroker
	}
	return nil
}
