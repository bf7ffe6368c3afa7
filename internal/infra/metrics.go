// Package infra holds process-level plumbing: metrics registry, Postgres
// pool and schema migrations.
package infra

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process metrics registry and its instruments.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	BusEventsTotal  prometheus.Counter
	BusLaggedTotal  prometheus.Counter
}

// NewMetrics builds the registry with Go and process collectors attached.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerline_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wagerline_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wagerline_queue_items",
			Help: "Matching queue items by state.",
		}, []string{"state"}),
		BusEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wagerline_bus_events_total",
			Help: "Events published on the in-process bus.",
		}),
		BusLaggedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wagerline_bus_subscriber_lagged_total",
			Help: "Subscriber buffer overflows.",
		}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
