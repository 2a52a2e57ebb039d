package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evertide/evertide-go/core/outbox"
)

// outboxMetrics implements outbox.Metrics using Prometheus.
type outboxMetrics struct {
	records *prometheus.CounterVec
}

// NewOutboxMetrics creates a new Prometheus implementation of outbox.Metrics.
// A single counter vector keyed by outcome keeps the cardinality flat.
func NewOutboxMetrics(reg prometheus.Registerer) outbox.Metrics {
	m := &outboxMetrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_outbox_records_total",
			Help: "Total number of outbox records by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.records)
	return m
}

func (m *outboxMetrics) add(outcome string, n int) {
	m.records.WithLabelValues(outcome).Add(float64(n))
}

func (m *outboxMetrics) Added(n int)        { m.add("added", n) }
func (m *outboxMetrics) Deduplicated(n int) { m.add("deduplicated", n) }
func (m *outboxMetrics) Claimed(n int)      { m.add("claimed", n) }
func (m *outboxMetrics) Published(n int)    { m.add("published", n) }
func (m *outboxMetrics) Failed(n int)       { m.add("failed", n) }
func (m *outboxMetrics) DeadLettered(n int) { m.add("dead_lettered", n) }
func (m *outboxMetrics) Retried(n int)      { m.add("retried", n) }
func (m *outboxMetrics) Recovered(n int)    { m.add("recovered", n) }
func (m *outboxMetrics) Cleaned(n int)      { m.add("cleaned", n) }

var _ outbox.Metrics = (*outboxMetrics)(nil)
