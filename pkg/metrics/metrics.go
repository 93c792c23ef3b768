// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics implements the engine's Recorder interface on a
// dedicated Prometheus registry.
type EngineMetrics struct {
	registry *prometheus.Registry

	begun          prometheus.Counter
	active         prometheus.Gauge
	committed      prometheus.Counter
	aborted        *prometheus.CounterVec
	blockedReaders prometheus.Gauge
	commitWait     prometheus.Histogram
	truncations    prometheus.Counter
	reclaimedKeys  prometheus.Counter
}

// New creates and registers the engine metrics under the given
// namespace.
func New(namespace string) *EngineMetrics {
	m := &EngineMetrics{
		registry: prometheus.NewRegistry(),
		begun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_begun_total",
			Help:      "Transactions begun or joined.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_active",
			Help:      "Transactions currently in flight (begun or joined, not yet finalized).",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_committed_total",
			Help:      "Transactions committed.",
		}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_aborted_total",
			Help:      "Transactions aborted, by reason.",
		}, []string{"reason"}),
		blockedReaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_readers",
			Help:      "Readers currently blocked on a concurrent writer.",
		}),
		commitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_wait_seconds",
			Help:      "Time from commit request to durable commit record.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_truncations_total",
			Help:      "Log truncation passes completed.",
		}),
		reclaimedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_reclaimed_total",
			Help:      "Keys whose obsolete versions were reclaimed.",
		}),
	}

	m.registry.MustRegister(
		m.begun, m.active, m.committed, m.aborted, m.blockedReaders,
		m.commitWait, m.truncations, m.reclaimedKeys,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TransactionBegun counts a begin or join.
func (m *EngineMetrics) TransactionBegun() {
	m.begun.Inc()
}

// TransactionActive tracks the in-flight transaction count.
func (m *EngineMetrics) TransactionActive(delta int) {
	m.active.Add(float64(delta))
}

// TransactionCommitted counts a commit and observes its wait.
func (m *EngineMetrics) TransactionCommitted(wait time.Duration) {
	m.committed.Inc()
	m.commitWait.Observe(wait.Seconds())
}

// TransactionAborted counts an abort by reason.
func (m *EngineMetrics) TransactionAborted(reason string) {
	m.aborted.WithLabelValues(reason).Inc()
}

// ReaderBlocked tracks a reader entering a forbidden-band wait.
func (m *EngineMetrics) ReaderBlocked() {
	m.blockedReaders.Inc()
}

// ReaderUnblocked tracks a reader leaving its wait.
func (m *EngineMetrics) ReaderUnblocked() {
	m.blockedReaders.Dec()
}

// LogTruncated counts a truncation pass.
func (m *EngineMetrics) LogTruncated() {
	m.truncations.Inc()
}

// VersionsReclaimed counts keys freed by a reclamation pass.
func (m *EngineMetrics) VersionsReclaimed(n int) {
	m.reclaimedKeys.Add(float64(n))
}
