package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricEventsEnqueuedTotal     = "outbox_events_enqueued_total"
	MetricDeliveriesTotal         = "outbox_deliveries_total"
	MetricDeliveryDurationSeconds = "outbox_delivery_duration_seconds"
	MetricDeadLetteredTotal       = "outbox_dead_lettered_total"
	MetricLeasesReapedTotal       = "outbox_leases_reaped_total"
	MetricKillSwitchParksTotal    = "outbox_kill_switch_parks_total"
)

// Metrics contains Prometheus metrics for the outbox engine.
// All operations are thread-safe.
type Metrics struct {
	enqueued     *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	deadLettered *prometheus.CounterVec
	leasesReaped prometheus.Counter
	parks        *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register them
// with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsEnqueuedTotal,
				Help: "Total number of events enqueued by topic",
			},
			[]string{"topic"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDeliveriesTotal,
				Help: "Total number of delivery attempts by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricDeliveryDurationSeconds,
				Help:    "Histogram of handler invocation duration in seconds by topic",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"topic"},
		),
		deadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDeadLetteredTotal,
				Help: "Total number of events moved to the DLQ by topic",
			},
			[]string{"topic"},
		),
		leasesReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricLeasesReapedTotal,
				Help: "Total number of expired leases returned to PENDING",
			},
		),
		parks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricKillSwitchParksTotal,
				Help: "Total number of deliveries parked by a kill switch, by topic",
			},
			[]string{"topic"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.enqueued,
		m.deliveries,
		m.duration,
		m.deadLettered,
		m.leasesReaped,
		m.parks,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeEnqueue(topic string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(topic).Inc()
}

func (m *Metrics) observeDelivery(topic string, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(topic, string(outcome)).Inc()
	m.duration.WithLabelValues(topic).Observe(seconds)
}

func (m *Metrics) observeDeadLetter(topic string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(topic).Inc()
}

func (m *Metrics) observeReaped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.leasesReaped.Add(float64(n))
}

func (m *Metrics) observePark(topic string) {
	if m == nil {
		return
	}
	m.parks.WithLabelValues(topic).Inc()
}
