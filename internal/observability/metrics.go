package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the chat gateway.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Query chain metrics.
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryRows     prometheus.Histogram

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Credential lifecycle metrics.
	CredentialRenewalsTotal  *prometheus.CounterVec
	CredentialRotationsTotal prometheus.Counter
	LeaseTTLSeconds          prometheus.Gauge

	// Target database metrics.
	DBConnectAttemptsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveSessions prometheus.Gauge
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbchat",
			Subsystem: "query",
			Name:      "total",
			Help:      "Total questions processed, by outcome. Failed queries carry the chain stage.",
		}, []string{"status", "stage"}),

		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbchat",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end question answering duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),

		QueryRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dbchat",
			Subsystem: "query",
			Name:      "rows_returned",
			Help:      "Rows returned per executed statement.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbchat",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbchat",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbchat",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		CredentialRenewalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbchat",
			Subsystem: "credential",
			Name:      "renewals_total",
			Help:      "Total lease renewal attempts.",
		}, []string{"status"}),

		CredentialRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbchat",
			Subsystem: "credential",
			Name:      "rotations_total",
			Help:      "Total credential rotations (fresh credential acquired after a failed renewal).",
		}),

		LeaseTTLSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbchat",
			Subsystem: "credential",
			Name:      "lease_ttl_seconds",
			Help:      "Lease duration of the current database credential.",
		}),

		DBConnectAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbchat",
			Subsystem: "db",
			Name:      "connect_attempts_total",
			Help:      "Total target database connection attempts.",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbchat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbchat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbchat",
			Name:      "active_sessions",
			Help:      "Number of currently open chat sessions.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbchat",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.QueryRows,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.CredentialRenewalsTotal,
		m.CredentialRotationsTotal,
		m.LeaseTTLSeconds,
		m.DBConnectAttemptsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveSessions,
		m.ActiveRequests,
	)

	return m
}
