// Package metrics exposes Prometheus instrumentation for the sync
// service on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	storeWritesTotal    *prometheus.CounterVec
	conflictsTotal      prometheus.Counter
	eventsPublished     prometheus.Counter
	eventSubscribers    prometheus.Gauge
}

// New creates and registers the service metrics under the convsync
// namespace.
func New() *Metrics {
	const namespace = "convsync"

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.storeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Accepted revision-store writes by operation",
		},
		[]string{"op"},
	)

	m.conflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "conflicts_total",
			Help:      "Writes rejected by optimistic concurrency",
		},
	)

	m.eventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Conversation change events published",
		},
	)

	m.eventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Currently connected event stream subscribers",
		},
	)

	collectors := []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.storeWritesTotal,
		m.conflictsTotal,
		m.eventsPublished,
		m.eventSubscribers,
	}
	for _, c := range collectors {
		m.registry.MustRegister(c)
	}

	return m
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordWrite counts an accepted store write ("upsert" or "tombstone").
func (m *Metrics) RecordWrite(op string) {
	m.storeWritesTotal.WithLabelValues(op).Inc()
}

// RecordConflict counts a write rejected by optimistic concurrency.
func (m *Metrics) RecordConflict() {
	m.conflictsTotal.Inc()
}

// RecordEventPublished counts one change-event fan-out.
func (m *Metrics) RecordEventPublished() {
	m.eventsPublished.Inc()
}

// SubscriberConnected and SubscriberDisconnected track the event
// stream gauge.
func (m *Metrics) SubscriberConnected() {
	m.eventSubscribers.Inc()
}

func (m *Metrics) SubscriberDisconnected() {
	m.eventSubscribers.Dec()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments every request with count and duration.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Method, status, time.Since(start))
		})
	}
}
