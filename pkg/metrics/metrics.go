// Package metrics holds the prometheus collectors of the ticket pipeline.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tickets"

// Operation names used as label values.
const (
	OpMint      = "mint"
	OpRedeem    = "redeem"
	OpReveal    = "reveal"
	OpReconcile = "reconcile"
)

type Metrics struct { // A
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    prometheus.Counter
	stored     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) { // A
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations, including finality waits.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Content store uploads retried after a retryable failure.",
		}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_bytes_total",
			Help:      "Envelope bytes written to the content store.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.operations, m.duration, m.retries, m.stored} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one finished operation.
func (m *Metrics) Observe(op, outcome string, took time.Duration) { // A
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) StoreRetry() { // A
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) Stored(n int64) { // A
	if m == nil {
		return
	}
	m.stored.Add(float64(n))
}
