// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionsInFlight prometheus.Gauge
	SessionsSkipped  *prometheus.CounterVec
	InitialAttempts  prometheus.Histogram
	SamplesRecorded  *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Oracle metrics
	OracleCalls   *prometheus.CounterVec
	OracleLatency *prometheus.HistogramVec

	// Result store metrics
	StoreAppends     *prometheus.CounterVec
	StoreRetries     prometheus.Counter
	StoreCorruptions prometheus.Counter
	MirrorErrors     *prometheus.CounterVec

	// Hub metrics
	ConnectedClients prometheus.Gauge
	MessagesReceived prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	Broadcasts       *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_watch"
	}

	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of observation sessions started",
		}),
		SessionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Total number of observation sessions finished by terminal state",
		}, []string{"state"}),
		SessionsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "in_flight",
			Help:      "Number of observation sessions currently running",
		}),
		SessionsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "skipped_total",
			Help:      "Total number of session requests not started, by reason",
		}, []string{"reason"}),
		InitialAttempts: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "initial_price_attempts",
			Help:      "Price fetch attempts needed to secure the initial price",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		SamplesRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "samples_recorded_total",
			Help:      "Total number of polled price samples by validity",
		}, []string{"valid"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of completed sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 90, 120, 300},
		}),

		OracleCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "calls_total",
			Help:      "Total number of oracle process invocations by oracle and result",
		}, []string{"oracle", "result"}),
		OracleLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "latency_seconds",
			Help:      "Oracle process latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"oracle"}),

		StoreAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "appends_total",
			Help:      "Total number of result document appends by status",
		}, []string{"status"}),
		StoreRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Total number of result document I/O retries",
		}),
		StoreCorruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "corruption_resets_total",
			Help:      "Total number of times a malformed result document was discarded",
		}),
		MirrorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "mirror_errors_total",
			Help:      "Total number of failed writes to secondary record stores",
		}, []string{"mirror"}),

		ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connected_clients",
			Help:      "Number of connected WebSocket clients",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_received_total",
			Help:      "Total number of inbound client frames",
		}),
		MessagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound frames dropped by reason",
		}, []string{"reason"}),
		Broadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts by message",
		}, []string{"message"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSessionStarted increments the started counter and in-flight gauge.
func RecordSessionStarted() {
	DefaultMetrics.SessionsStarted.Inc()
	DefaultMetrics.SessionsInFlight.Inc()
}

// RecordSessionFinished records a session's terminal state.
func RecordSessionFinished(state string, durationSeconds float64) {
	DefaultMetrics.SessionsInFlight.Dec()
	DefaultMetrics.SessionsFinished.WithLabelValues(state).Inc()
	if state == "DONE" {
		DefaultMetrics.SessionDuration.Observe(durationSeconds)
	}
}

// RecordSessionSkipped counts a request that did not start a session.
func RecordSessionSkipped(reason string) {
	DefaultMetrics.SessionsSkipped.WithLabelValues(reason).Inc()
}

// RecordInitialAttempts records how many fetches initial pricing took.
func RecordInitialAttempts(n int) {
	DefaultMetrics.InitialAttempts.Observe(float64(n))
}

// RecordSample counts one polled sample.
func RecordSample(valid bool) {
	label := "false"
	if valid {
		label = "true"
	}
	DefaultMetrics.SamplesRecorded.WithLabelValues(label).Inc()
}

// RecordOracleCall records an oracle invocation.
func RecordOracleCall(oracle, result string, seconds float64) {
	DefaultMetrics.OracleCalls.WithLabelValues(oracle, result).Inc()
	DefaultMetrics.OracleLatency.WithLabelValues(oracle).Observe(seconds)
}

// RecordStoreAppend records a result document append outcome.
func RecordStoreAppend(status string) {
	DefaultMetrics.StoreAppends.WithLabelValues(status).Inc()
}

// RecordStoreRetry counts one I/O retry.
func RecordStoreRetry() {
	DefaultMetrics.StoreRetries.Inc()
}

// RecordStoreCorruption counts one discarded document.
func RecordStoreCorruption() {
	DefaultMetrics.StoreCorruptions.Inc()
}

// RecordMirrorError counts a failed secondary write.
func RecordMirrorError(mirror string) {
	DefaultMetrics.MirrorErrors.WithLabelValues(mirror).Inc()
}

// SetConnectedClients updates the connected clients gauge.
func SetConnectedClients(n int) {
	DefaultMetrics.ConnectedClients.Set(float64(n))
}

// RecordMessageReceived counts an inbound frame.
func RecordMessageReceived() {
	DefaultMetrics.MessagesReceived.Inc()
}

// RecordMessageDropped counts an inbound frame that was not dispatched.
func RecordMessageDropped(reason string) {
	DefaultMetrics.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordBroadcast counts a broadcast.
func RecordBroadcast(message string) {
	DefaultMetrics.Broadcasts.WithLabelValues(message).Inc()
}
