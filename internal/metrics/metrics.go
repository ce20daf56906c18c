// Package metrics exposes gardenview's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gardenview"

var (
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_events_total",
		Help:      "Push events received, by event name and outcome.",
	}, []string{"event", "result"})

	StaleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_updates_total",
		Help:      "Updates rejected because a newer value was already applied.",
	}, []string{"channel"})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Control commands sent, by command and outcome.",
	}, []string{"command", "result"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_errors_total",
		Help:      "Failed snapshot reads, by field.",
	}, []string{"field"})

	ChartLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chart_loads_total",
		Help:      "Chart loads, by outcome.",
	}, []string{"result"})

	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_request_seconds",
		Help:      "Latency of backend HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	StreamConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_connected",
		Help:      "1 while a push source is connected.",
	}, []string{"source"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Push source reconnect attempts.",
	}, []string{"source"})

	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Events the bus dropped because its queue was full or it was closing.",
	}, []string{"event_type"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
