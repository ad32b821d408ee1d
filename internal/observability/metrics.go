package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsEvicted prometheus.Counter

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec

	tokenRefreshTotal *prometheus.CounterVec

	streamChunksTotal *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		registry := prometheus.NewRegistry()

		m := &moduleMetrics{
			registry: registry,
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "concierge_active_sessions",
				Help: "Number of live conversation sessions.",
			}),
			sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "concierge_sessions_evicted_total",
				Help: "Total sessions removed by the idle sweep.",
			}),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_turns_total",
					Help: "Total agent turns by model provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "concierge_turn_duration_seconds",
					Help:    "Duration of agent turns in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_tool_invocations_total",
					Help: "Total tool invocations by tool provider and status.",
				},
				[]string{"provider", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "concierge_tool_invocation_duration_seconds",
					Help:    "Duration of tool invocations in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			tokenRefreshTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_token_refreshes_total",
					Help: "Total OAuth token refresh exchanges by status.",
				},
				[]string{"status"},
			),
			streamChunksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_stream_chunks_total",
					Help: "Total output chunks emitted to callers by kind.",
				},
				[]string{"kind"},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_http_requests_total",
					Help: "Total HTTP requests by path and status code.",
				},
				[]string{"path", "code"},
			),
		}

		registry.MustRegister(
			collectors.NewGoCollector(),
			m.activeSessions,
			m.sessionsEvicted,
			m.turnTotal,
			m.turnDuration,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.tokenRefreshTotal,
			m.streamChunksTotal,
			m.httpRequestsTotal,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any package.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the Prometheus scrape handler for the module registry.
func Handler() http.Handler {
	m := getMetrics()
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetActiveSessions records the current live session count.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordEvictions counts sessions removed by an idle sweep.
func RecordEvictions(n int) {
	if n > 0 {
		getMetrics().sessionsEvicted.Add(float64(n))
	}
}

// RecordTurn records one completed agent turn.
func RecordTurn(provider string, d time.Duration, success bool) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.turnTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordToolInvocation records one tool dispatch through the gateway.
func RecordToolInvocation(provider string, d time.Duration, success bool) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.toolInvocationTotal.WithLabelValues(provider, status).Inc()
	m.toolInvocationDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordTokenRefresh records one refresh-token exchange.
func RecordTokenRefresh(success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	getMetrics().tokenRefreshTotal.WithLabelValues(status).Inc()
}

// RecordStreamChunk counts one chunk delivered to a caller.
func RecordStreamChunk(kind string) {
	getMetrics().streamChunksTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest counts one handled HTTP request.
func RecordHTTPRequest(path string, status int) {
	getMetrics().httpRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}
