package safety

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricEvents           = "safety_events_total"
	MetricRejected         = "safety_events_rejected_total"
	MetricDuplicates       = "safety_events_duplicate_total"
	MetricFanoutDeliveries = "safety_fanout_deliveries_total"
	MetricFanoutFailures   = "safety_fanout_failures_total"
	MetricHandleLatency    = "safety_handle_latency_seconds"
)

// Metrics contains Prometheus metrics for the event router.
// All operations are thread-safe.
type Metrics struct {
	events           *prometheus.CounterVec
	rejected         prometheus.Counter
	duplicates       prometheus.Counter
	fanoutDeliveries prometheus.Counter
	fanoutFailures   prometheus.Counter
	handleLatency    prometheus.Histogram
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEvents,
			Help: "Total number of safety events accepted, by kind",
		}, []string{"kind"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRejected,
			Help: "Total number of safety events rejected by validation",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDuplicates,
			Help: "Total number of idempotency-key replays acknowledged without re-delivery",
		}),
		fanoutDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFanoutDeliveries,
			Help: "Total number of successful deliveries to recipient rooms",
		}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFanoutFailures,
			Help: "Total number of failed deliveries to recipient rooms",
		}),
		handleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricHandleLatency,
			Help:    "Histogram of event handle latency in seconds (validate through fan-out)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.events,
		m.rejected,
		m.duplicates,
		m.fanoutDeliveries,
		m.fanoutFailures,
		m.handleLatency,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncEvents increments the accepted-events counter for a kind.
func (m *Metrics) IncEvents(kind string) {
	m.events.WithLabelValues(kind).Inc()
}

// IncRejected increments the validation-rejection counter.
func (m *Metrics) IncRejected() {
	m.rejected.Inc()
}

// IncDuplicates increments the duplicate-replay counter.
func (m *Metrics) IncDuplicates() {
	m.duplicates.Inc()
}

// IncFanoutDeliveries increments the successful-delivery counter.
func (m *Metrics) IncFanoutDeliveries() {
	m.fanoutDeliveries.Inc()
}

// IncFanoutFailures increments the failed-delivery counter.
func (m *Metrics) IncFanoutFailures() {
	m.fanoutFailures.Inc()
}

// ObserveHandleLatency records one handle-latency sample.
func (m *Metrics) ObserveHandleLatency(seconds float64) {
	m.handleLatency.Observe(seconds)
}
