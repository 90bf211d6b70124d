package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricClaimsTotal         = "idempotency_claims_total"
	MetricEntriesSweptTotal   = "idempotency_entries_swept_total"
	MetricClaimsReleasedTotal = "idempotency_claims_released_total"
)

// Metrics contains Prometheus metrics for the idempotency ledger.
// All operations are thread-safe.
type Metrics struct {
	claims   *prometheus.CounterVec
	swept    prometheus.Counter
	released prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register them
// with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricClaimsTotal,
				Help: "Total number of claim attempts by outcome",
			},
			[]string{"outcome"},
		),
		swept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricEntriesSweptTotal,
				Help: "Total number of expired ledger entries removed",
			},
		),
		released: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricClaimsReleasedTotal,
				Help: "Total number of claims released after failed commands",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{m.claims, m.swept, m.released}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

func (m *Metrics) observeRelease() {
	if m == nil {
		return
	}
	m.released.Inc()
}
