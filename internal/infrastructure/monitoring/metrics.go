package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/pkg/constants"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	FundRequests      *prometheus.CounterVec
	FundLatency       *prometheus.HistogramVec
	Rejections        *prometheus.CounterVec
	QuotaExhausted    *prometheus.CounterVec
	FunderRetries     prometheus.Counter
	FunderSequence    prometheus.Gauge
	AmbiguousAttempts prometheus.Gauge
	ReapedRows        prometheus.Counter
}

// NewMetrics creates the metrics and registers them with the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the metrics against a specific registerer. Tests use
// a fresh registry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FundRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tap_fund_requests_total",
				Help: "Total number of funding requests by terminal outcome.",
			},
			[]string{"outcome", "bypassed"},
		),
		FundLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tap_fund_latency_seconds",
				Help:    "End-to-end latency of funding requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tap_rejections_total",
				Help: "Total number of admission rejections by reason code.",
			},
			[]string{"reason"},
		),
		QuotaExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tap_quota_exhausted_total",
				Help: "Total number of quota rejections by scope.",
			},
			[]string{"scope"},
		),
		FunderRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tap_funder_retries_total",
				Help: "Total number of funder submission retries.",
			},
		),
		FunderSequence: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tap_funder_sequence_number",
				Help: "Next sequence number of the funding identity.",
			},
		),
		AmbiguousAttempts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tap_funder_ambiguous_attempts",
				Help: "Timed-out attempts awaiting external reconciliation.",
			},
		),
		ReapedRows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tap_history_reaped_rows_total",
				Help: "Total number of history rows removed by the reaper.",
			},
		),
	}
}

// RecordOutcome records metrics for a terminal funding outcome.
func (m *Metrics) RecordOutcome(outcome models.OutcomeStatus, bypassed bool, duration time.Duration) {
	b := "false"
	if bypassed {
		b = "true"
	}
	m.FundRequests.WithLabelValues(string(outcome), b).Inc()
	m.FundLatency.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

// RecordRejection records an admission rejection.
func (m *Metrics) RecordRejection(code constants.RejectionReasonCode) {
	m.Rejections.WithLabelValues(string(code)).Inc()
}

// RecordQuotaExhausted records a quota rejection.
func (m *Metrics) RecordQuotaExhausted(scope constants.QuotaScope) {
	m.QuotaExhausted.WithLabelValues(string(scope)).Inc()
}
