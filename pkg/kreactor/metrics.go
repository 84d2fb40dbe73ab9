package kreactor

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the reactor's prometheus collectors. Registered into
// sigs.k8s.io/controller-runtime/pkg/metrics.Registry by the caller (see
// pkg/adminserver), not into prometheus.DefaultRegisterer, so the
// reactor composes cleanly inside a larger controller-runtime-based
// operator that already owns that registry.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	HandlerOutcomes *prometheus.CounterVec
	ActiveStreams   *prometheus.GaugeVec
}

// NewMetrics constructs a fresh Metrics bundle. Call MustRegister (or
// register selectively) against the target registry before use.
func NewMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kreactor",
			Name:      "cycles_total",
			Help:      "Total number of reactor cycles run, by resource and cause.",
		}, []string{"resource", "reason"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kreactor",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a single reactor cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		HandlerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kreactor",
			Name:      "handler_outcomes_total",
			Help:      "Total handler invocations, by resource, handler id, and outcome.",
		}, []string{"resource", "handler", "outcome"}),
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kreactor",
			Name:      "active_streams",
			Help:      "Number of live per-object-UID worker streams, by resource.",
		}, []string{"resource"}),
	}
}

// Collectors returns every collector in the bundle, for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.CyclesTotal, m.CycleDuration, m.HandlerOutcomes, m.ActiveStreams}
}

const (
	outcomeSuccess = "success"
	outcomeRetry   = "retry"
	outcomeFailure = "failure"
	outcomeTimeout = "timeout"
)
