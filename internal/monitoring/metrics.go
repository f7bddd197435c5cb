package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Verification metrics
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration *prometheus.HistogramVec
	Scores               prometheus.Histogram

	// Gate metrics
	GateDecisions *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new metrics instance with custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(registry)
}

// newMetricsWithRegistry creates metrics with specified registry
func newMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "humangate_requests_total",
				Help: "Total number of requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "humangate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "humangate_requests_in_flight",
				Help: "Number of requests currently being processed",
			},
		),

		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "humangate_verifications_total",
				Help: "Token verifications by outcome; failed checks are named individually",
			},
			[]string{"outcome"},
		),
		VerificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "humangate_verification_duration_seconds",
				Help:    "Round trip to the scoring service in seconds",
				Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		Scores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "humangate_scores",
				Help:    "Scores returned by the scoring service",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),

		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "humangate_gate_decisions_total",
				Help: "Access gate decisions by transport",
			},
			[]string{"transport", "decision"},
		),
	}

	registry.MustRegister(
		metrics.RequestsTotal,
		metrics.RequestDuration,
		metrics.RequestsInFlight,
		metrics.VerificationsTotal,
		metrics.VerificationDuration,
		metrics.Scores,
		metrics.GateDecisions,
	)

	return metrics
}

// RecordRequest records a request metric
func (m *Metrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordVerification records one call to the verifier
func (m *Metrics) RecordVerification(outcome string, duration time.Duration) {
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
	m.VerificationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordScore records a score returned by the scoring service
func (m *Metrics) RecordScore(score float64) {
	m.Scores.Observe(score)
}

// RecordDecision records an access gate decision
func (m *Metrics) RecordDecision(transport, decision string) {
	m.GateDecisions.WithLabelValues(transport, decision).Inc()
}
