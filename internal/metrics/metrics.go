// Package metrics wires the Prometheus collectors named in spec.md §6.
// Grounded on the teacher's go-server-3/internal/metrics/metrics.go
// (promauto registration shape, a Handler() returning promhttp), with
// the teacher's WebSocket-connection counters replaced by the ones
// spec.md §6 names.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector spec.md §6 names.
type Registry struct {
	EventsPublished *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	RedisOperations *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec
	WorkerTasks     *prometheus.CounterVec

	ActiveSSEConnections    prometheus.Gauge
	BackpressureSlowClients prometheus.Gauge

	SSEConnectionDuration prometheus.Histogram
	HTTPRequestDuration   *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	return &Registry{
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total events appended to the event log, by event type",
		}, []string{"event_type"}),
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "events_delivered_total",
			Help: "Total events delivered to SSE clients, by event type",
		}, []string{"event_type"}),
		RedisOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total store operations, by operation and outcome",
		}, []string{"operation", "status"}),
		RateLimitHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Total requests rejected by the rate limiter, by endpoint",
		}, []string{"endpoint"}),
		WorkerTasks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Total dispatched worker tasks, by task name and terminal status",
		}, []string{"name", "status"}),
		ActiveSSEConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "active_sse_connections",
			Help: "Number of SSE connections currently being served",
		}),
		BackpressureSlowClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "backpressure_current_slow_clients",
			Help: "Number of connections currently flagged as slow by the backpressure buffer",
		}),
		SSEConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_connection_duration_seconds",
			Help:    "Duration an SSE connection stayed open",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration, by method and endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one request's duration against method+endpoint.
func (r *Registry) ObserveHTTP(method, endpoint string, d time.Duration) {
	r.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
