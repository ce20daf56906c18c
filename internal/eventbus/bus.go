// Package eventbus carries view notifications from the model, the poller and
// the chart pipeline to their subscribers.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/metrics"
)

// EventType identifies what happened to the view.
type EventType string

const (
	// EventTypeStateChanged is published after a model mutation; Data is StateChanged.
	EventTypeStateChanged EventType = "state_changed"
	// EventTypeFetchFailed is published when a snapshot read fails; Data is FetchFailed.
	EventTypeFetchFailed EventType = "fetch_failed"
	// EventTypeFetchSucceeded is published after every good snapshot read; Data is FetchSucceeded.
	EventTypeFetchSucceeded EventType = "fetch_succeeded"
	// EventTypeChartReady is published when a chart series becomes current; Data is ChartReady.
	EventTypeChartReady EventType = "chart_ready"
	// EventTypeResync is published by the bus itself after it had to drop
	// events. Subscribers rebuild from their source of truth; Data is nil.
	EventTypeResync EventType = "resync"
)

// A single worker keeps handlers in publish order.
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 100
)

// Event is a notification routed through the bus.
type Event struct {
	Type EventType
	Data any
}

// StateChanged lists the model fields touched by one mutation.
type StateChanged struct {
	Fields []string
}

// FetchFailed reports that a snapshot field could not be read.
type FetchFailed struct {
	Field string
	Err   error
}

// FetchSucceeded reports a good snapshot read, whether or not the value changed.
type FetchSucceeded struct {
	Field string
}

// ChartReady announces a new displayed chart series.
type ChartReady struct {
	Window     string
	Generation uint64
	Points     int
}

// Handler handles one event.
type Handler func(Event)

// Bus queues events and hands each one to every subscriber of its type.
// Subscribers of one event run sequentially, in subscription order.
type Bus struct {
	subMu    sync.RWMutex
	handlers map[EventType][]Handler

	// sendMu is held for reading while an event is enqueued and for writing
	// while the queue is closed
	sendMu sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup

	// set when an event was dropped for a full queue, cleared by the
	// worker that delivers the resync
	overflow atomic.Bool
}

// New creates a bus with default settings.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with the given worker count and queue size.
// Non-positive values fall back to the defaults.
func NewWithConfig(workers, queueSize int) *Bus {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queue:    make(chan Event, queueSize),
	}
	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.run(i)
	}

	log.Debug().Int("workers", workers).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish enqueues the event. It never blocks: the event is dropped (and
// counted) when the queue is full or the bus is closed. A drop for a full
// queue is followed by one EventTypeResync delivery once a worker catches up.
func (b *Bus) Publish(event Event) {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		b.drop(event, "Event bus closed, dropping event")
		return
	}

	select {
	case b.queue <- event:
	default:
		b.drop(event, "Event bus queue full, dropping event")
		b.overflow.Store(true)
		// Either the resync is queued, or the queue is still full and a
		// worker will see the flag after its next event.
		select {
		case b.queue <- Event{Type: EventTypeResync}:
		default:
		}
	}
}

func (b *Bus) drop(event Event, msg string) {
	metrics.BusDropped.WithLabelValues(string(event.Type)).Inc()
	log.Warn().Str("event_type", string(event.Type)).Msg(msg)
}

func (b *Bus) run(worker int) {
	defer b.wg.Done()
	for event := range b.queue {
		if event.Type == EventTypeResync {
			if b.overflow.Swap(false) {
				b.dispatch(worker, event)
			}
			continue
		}

		b.dispatch(worker, event)
		if b.overflow.Swap(false) {
			b.dispatch(worker, Event{Type: EventTypeResync})
		}
	}
}

func (b *Bus) dispatch(worker int, event Event) {
	b.subMu.RLock()
	handlers := b.handlers[event.Type]
	b.subMu.RUnlock()

	for _, h := range handlers {
		b.call(worker, h, event)
	}
}

// call isolates a panicking handler so the remaining ones still run.
func (b *Bus) call(worker int, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Int("worker", worker).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}

// Close stops accepting events, lets the workers drain the queue and waits
// for them until ctx expires. Calling it again is a no-op.
func (b *Bus) Close(ctx context.Context) {
	b.sendMu.Lock()
	if b.closed {
		b.sendMu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus drained")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
