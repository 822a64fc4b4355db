// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Buckets for process start latency; readiness usually takes seconds.
var startBuckets = []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec

	ProcessStarts        *prometheus.CounterVec
	ProcessStartDuration *prometheus.HistogramVec
	ProcessesRunning     prometheus.Gauge

	WebSocketSessions prometheus.Gauge
	WebSocketMessages *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervised_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "supervised_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervised_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "supervised_proxy_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervised_proxy_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		ProcessStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervised_proxy_process_starts_total",
			Help: "Supervised process start attempts by target and result.",
		}, []string{"target", "result"}),

		ProcessStartDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "supervised_proxy_process_start_duration_seconds",
			Help:    "Time from spawn until the readiness probe succeeded or gave up.",
			Buckets: startBuckets,
		}, []string{"target"}),

		ProcessesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervised_proxy_processes_running",
			Help: "Number of supervised processes currently running.",
		}),

		WebSocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervised_proxy_websocket_sessions",
			Help: "Number of open bridged WebSocket sessions.",
		}),

		WebSocketMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervised_proxy_websocket_messages_total",
			Help: "WebSocket messages relayed, by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.ProcessStarts,
		m.ProcessStartDuration,
		m.ProcessesRunning,
		m.WebSocketSessions,
		m.WebSocketMessages,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathLabeler maps request paths to a bounded set of prefixes.
type PathLabeler struct {
	prefixes []string
}

// NewPathLabeler creates a PathLabeler for the given prefixes. Longer
// prefixes win over shorter ones they contain.
func NewPathLabeler(prefixes ...string) *PathLabeler {
	ps := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSuffix(p, "/"); p != "" {
			ps = append(ps, p)
		}
	}
	// Longest first so "/app/proxy" wins over "/app".
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && len(ps[j]) > len(ps[j-1]); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
	return &PathLabeler{prefixes: ps}
}

// Label returns a bounded path label for Prometheus metrics.
func (l *PathLabeler) Label(path string) string {
	for _, prefix := range l.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
