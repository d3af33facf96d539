package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promMetrics struct {
	registry *prometheus.Registry

	active        prometheus.Gauge
	peak          prometheus.Gauge
	rooms         prometheus.Gauge
	memory        prometheus.Gauge
	lag           prometheus.Gauge
	eventRate     prometheus.Gauge
	health        prometheus.Gauge
	connections   prometheus.Counter
	events        prometheus.Counter
	broadcast     prometheus.Counter
	stale         prometheus.Counter
	errors        *prometheus.CounterVec
	rateLimitHits *prometheus.CounterVec
	latency       prometheus.Histogram
}

// newPromMetrics registers the live server metrics on a private registry so
// several collectors (one per test) never collide on the default registry.
func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()

	m := &promMetrics{
		registry: reg,
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside", Subsystem: "live", Name: "connections_active",
			Help: "Currently connected sockets.",
		}),
		peak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside", Subsystem: "live", Name: "connections_peak",
			Help: "Peak concurrent sockets since start.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside", Subsystem: "live", Name: "rooms_active",
			Help: "Rooms with at least one member.",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside", Subsystem: "live", Name: "memory_bytes",
			Help: "Resident memory of the process.",
		}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside", Subsystem: "live", Name: "scheduling_lag_seconds",
			Help: "Lateness of the last periodic metrics tick.",
		}),
		eventRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside", Subsystem: "live", Name: "events_per_second",
			Help: "Inbound events per second over the rolling window.",
		}),
		health: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside", Subsystem: "live", Name: "health_level",
			Help: "0 healthy, 1 degraded, 2 critical.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courtside", Subsystem: "live", Name: "connections_total",
			Help: "Admitted connections.",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courtside", Subsystem: "live", Name: "events_total",
			Help: "Inbound client events.",
		}),
		broadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courtside", Subsystem: "live", Name: "messages_broadcast_total",
			Help: "Messages emitted to rooms.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courtside", Subsystem: "live", Name: "messages_stale_dropped_total",
			Help: "Low priority messages dropped for staleness.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courtside", Subsystem: "live", Name: "errors_total",
			Help: "Connection and event errors.",
		}, []string{"kind"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courtside", Subsystem: "live", Name: "rate_limit_hits_total",
			Help: "Requests rejected by a rate limit class.",
		}, []string{"class"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courtside", Subsystem: "live", Name: "broadcast_latency_seconds",
			Help:    "Time between enqueue and emission.",
			Buckets: []float64{.001, .005, .01, .016, .025, .05, .1, .25, .5, 1},
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.active, m.peak, m.rooms, m.memory, m.lag, m.eventRate, m.health,
		m.connections, m.events, m.broadcast, m.stale,
		m.errors, m.rateLimitHits, m.latency,
	)
	return m
}

// Handler serves the collector's metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.prom.registry, promhttp.HandlerOpts{})
}
