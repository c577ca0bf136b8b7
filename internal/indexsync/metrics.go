package indexsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors updated by the pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	events       *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	operations   *prometheus.CounterVec
	chunks       *prometheus.CounterVec
	retries      prometheus.Counter
	bulkDuration prometheus.Histogram
	batches      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexsync",
			Name:      "change_events_total",
			Help:      "Decoded change events by kind",
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexsync",
			Name:      "skipped_records_total",
			Help:      "Records skipped before aggregation by reason",
		}, []string{"reason"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexsync",
			Name:      "operations_total",
			Help:      "Net index operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexsync",
			Name:      "bulk_chunks_total",
			Help:      "Bulk chunks by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexsync",
			Name:      "bulk_retries_total",
			Help:      "Bulk request attempts that were retried",
		}),
		bulkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "indexsync",
			Name:      "bulk_request_duration_seconds",
			Help:      "Duration of individual bulk requests",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexsync",
			Name:      "batches_total",
			Help:      "Processed batches by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.skipped, m.operations, m.chunks, m.retries, m.bulkDuration, m.batches)
	}
	return m
}

func (m *Metrics) observeEvent(kind ChangeKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeSkip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeOperation(kind OperationKind, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) observeChunk(outcome string) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) observeBulk(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bulkDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeBatch(result string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
}
