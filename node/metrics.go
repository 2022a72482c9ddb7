package node

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "marketbft"

// Metrics are the prometheus collectors of one node. Each node registers
// into its own registry, so several nodes can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Proposals     prometheus.Counter
	Commits       prometheus.Counter
	Aborts        *prometheus.CounterVec
	Faults        *prometheus.CounterVec
	Messages      *prometheus.CounterVec
	ApplyFailures prometheus.Counter
	CommitLatency prometheus.Histogram

	Height      prometheus.Gauge
	InFlight    prometheus.Gauge
	MempoolSize prometheus.Gauge
}

// NewMetrics creates the collectors of node id running strategy.
func NewMetrics(id int, strategy string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": strconv.Itoa(id), "strategy": strategy}
	return &Metrics{
		registry: reg,
		Proposals: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "proposals_total",
			Help:        "Total number of blocks proposed by this node",
			ConstLabels: labels,
		}),
		Commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "commits_total",
			Help:        "Total number of committed sequences",
			ConstLabels: labels,
		}),
		Aborts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "aborts_total",
			Help:        "Sequences that ended without a commit, by status",
			ConstLabels: labels,
		}, []string{"status"}),
		Faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "faults_total",
			Help:        "Protocol faults attributed to peers, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_received_total",
			Help:        "Consensus messages handled, by type",
			ConstLabels: labels,
		}, []string{"type"}),
		ApplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "apply_failures_total",
			Help:        "Committed blocks the ledger refused",
			ConstLabels: labels,
		}),
		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "commit_latency_seconds",
			Help:        "Time from proposal until commit, observed by the proposer",
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			ConstLabels: labels,
		}),
		Height: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "ledger_height",
			Help:        "Index of the last applied block",
			ConstLabels: labels,
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "inflight_sequences",
			Help:        "Sequences seen but not yet final",
			ConstLabels: labels,
		}),
		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "mempool_size",
			Help:        "Current number of pending transactions in mempool",
			ConstLabels: labels,
		}),
	}
}

// RecordCommit counts a committed sequence. Latency is only known to the
// proposer, other nodes pass 0.
func (m *Metrics) RecordCommit(latency time.Duration) {
	m.Commits.Inc()
	if latency > 0 {
		m.CommitLatency.Observe(latency.Seconds())
	}
}

// Gatherer exposes the registry, e.g. for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
