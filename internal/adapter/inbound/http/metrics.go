package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all Prometheus metrics exposed by the transport.
const metricsNamespace = "toolwarden"

// Metrics holds the Prometheus collectors updated by the transport.
type Metrics struct {
	// RequestsTotal counts HTTP requests by method and coarse status.
	RequestsTotal *prometheus.CounterVec
	// RequestDuration observes request latency by method.
	RequestDuration *prometheus.HistogramVec
	// DecisionsTotal counts decisions by outcome and source.
	DecisionsTotal *prometheus.CounterVec
	// DecisionDuration observes end-to-end decide latency.
	DecisionDuration prometheus.Histogram
	// BundleFetchesTotal counts bundle endpoint responses by status
	// (full, unmodified, none).
	BundleFetchesTotal *prometheus.CounterVec
	// PendingApprovals tracks the number of approvals awaiting review.
	PendingApprovals prometheus.Gauge
}

// NewMetrics creates the transport metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests by method and status.",
		}, []string{"method", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Tool call decisions by outcome and source.",
		}, []string{"outcome", "source"}),

		DecisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "decision_duration_seconds",
			Help:      "End-to-end decide latency.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),

		BundleFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bundle_fetches_total",
			Help:      "Bundle endpoint responses by result.",
		}, []string{"result"}),

		PendingApprovals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_approvals",
			Help:      "Approvals currently awaiting review.",
		}),
	}
}

// registerAuditCollectors exposes the audit pipeline's saturation counters
// as pull-time metrics. Safe to call with a nil stats source.
func registerAuditCollectors(reg prometheus.Registerer, stats AuditStats) {
	if stats == nil {
		return
	}

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "audit_channel_depth",
		Help:      "Current audit channel occupancy.",
	}, func() float64 { return float64(stats.ChannelDepth()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "audit_dropped_records_total",
		Help:      "Audit records dropped due to channel saturation.",
	}, func() float64 { return float64(stats.DroppedRecords()) }))
}
