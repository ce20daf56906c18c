package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []string
	b.Subscribe(EventTypeStateChanged, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Data.(StateChanged).Fields[0])
	})

	for _, f := range []string{"relay:12", "relay:25", "water_level"} {
		b.Publish(Event{Type: EventTypeStateChanged, Data: StateChanged{Fields: []string{f}}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)

	assert.Equal(t, []string{"relay:12", "relay:25", "water_level"}, got)
}

func TestBus_RecoversFromPanic(t *testing.T) {
	b := New()

	done := make(chan struct{})
	b.Subscribe(EventTypeFetchFailed, func(Event) { panic("boom") })
	b.Subscribe(EventTypeFetchFailed, func(Event) { close(done) })

	b.Publish(Event{Type: EventTypeFetchFailed, Data: FetchFailed{Field: "rain_data"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler was not called after panic")
	}
	b.Close(context.Background())
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New()
	called := false
	b.Subscribe(EventTypeChartReady, func(Event) { called = true })

	b.Close(context.Background())
	b.Close(context.Background())

	require.NotPanics(t, func() {
		b.Publish(Event{Type: EventTypeChartReady, Data: ChartReady{Window: "24h"}})
	})
	assert.False(t, called)
}

func TestBus_ResyncAfterOverflow(t *testing.T) {
	b := NewWithConfig(1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var got []string
	b.Subscribe(EventTypeStateChanged, func(e Event) {
		once.Do(func() {
			close(started)
			<-release
		})
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Data.(StateChanged).Fields[0])
	})
	resyncs := 0
	b.Subscribe(EventTypeResync, func(Event) {
		mu.Lock()
		defer mu.Unlock()
		resyncs++
	})

	publish := func(field string) {
		b.Publish(Event{Type: EventTypeStateChanged, Data: StateChanged{Fields: []string{field}}})
	}

	publish("relay:18")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker did not pick up the first event")
	}
	publish("relay:25") // queued
	publish("relay:12") // dropped
	publish("water_level")
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)

	assert.Equal(t, []string{"relay:18", "relay:25"}, got)
	assert.Equal(t, 1, resyncs, "drops coalesce into one resync")
}

func TestBus_NoResyncWithoutOverflow(t *testing.T) {
	b := New()
	resyncs := 0
	b.Subscribe(EventTypeResync, func(Event) { resyncs++ })
	b.Subscribe(EventTypeChartReady, func(Event) {})

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventTypeChartReady})
	}
	b.Close(context.Background())

	assert.Zero(t, resyncs)
}
