// Package metrics holds the Prometheus collectors of the shell.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the shell collectors behind a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheResults    *prometheus.CounterVec
	cacheStores     prometheus.Gauge
	pushDeliveries  *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	clients         prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pwashell_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pwashell_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pwashell_cache_results_total",
			Help: "Intercepted fetches by outcome (hit, miss, unstored, offline, bypass, failed).",
		}, []string{"result"}),
		cacheStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pwashell_cache_stores",
			Help: "Number of cache stores present after the last lifecycle step.",
		}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pwashell_push_deliveries_total",
			Help: "Web push deliveries by outcome (sent, gone, failed).",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pwashell_notifications_total",
			Help: "Notification router events by kind (shown, focused, opened).",
		}, []string{"kind"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pwashell_connected_clients",
			Help: "Page clients connected over the client channel.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.cacheResults, m.cacheStores,
		m.pushDeliveries, m.notifications, m.clients,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count and duration for every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&rec, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.cacheResults.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheStores(n int) {
	if m == nil {
		return
	}
	m.cacheStores.Set(float64(n))
}

func (m *Metrics) PushDelivery(outcome string) {
	if m == nil {
		return
	}
	m.pushDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets websocket upgrades reach the underlying Hijacker.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
