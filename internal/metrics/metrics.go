// Package metrics exposes Prometheus instrumentation for the distribution
// layer. All methods are nil-safe so components can run uninstrumented in
// tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one node process.
type Metrics struct {
	registry *prometheus.Registry

	opsTotal       *prometheus.CounterVec
	opLatency      *prometheus.HistogramVec
	quorumFailures *prometheus.CounterVec
	readRepairs    prometheus.Counter

	ringGeneration prometheus.Gauge
	clusterSize    *prometheus.GaugeVec
	gossipRounds   prometheus.Counter
	deadConfirmed  prometheus.Counter

	migrationsActive prometheus.Gauge
	migrationKeys    prometheus.Counter
	migrationAborts  prometheus.Counter
}

// New creates the node's metric set on a fresh registry.
func New(nodeID string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   "strand",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}
	}

	m := &Metrics{
		registry: registry,
		opsTotal: prometheus.NewCounterVec(factory("coordinator_ops_total",
			"Coordinator operations by type and outcome"), []string{"op", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "strand",
			Name:        "coordinator_op_duration_seconds",
			Help:        "Coordinator operation latency",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		quorumFailures: prometheus.NewCounterVec(factory("quorum_failures_total",
			"Operations that failed to reach quorum"), []string{"op"}),
		readRepairs: prometheus.NewCounter(factory("read_repairs_total",
			"Stale replicas repaired after quorum reads")),
		ringGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strand",
			Name:        "ring_generation",
			Help:        "Generation of the published ring snapshot",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}),
		clusterSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "strand",
			Name:        "cluster_members",
			Help:        "Membership table size by state",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}, []string{"state"}),
		gossipRounds: prometheus.NewCounter(factory("gossip_rounds_total",
			"Completed gossip exchanges")),
		deadConfirmed: prometheus.NewCounter(factory("nodes_confirmed_dead_total",
			"Nodes confirmed dead by the failure detector")),
		migrationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strand",
			Name:        "migrations_active",
			Help:        "Migration tasks currently executing",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}),
		migrationKeys: prometheus.NewCounter(factory("migration_keys_copied_total",
			"Keys transferred by migration bulk copy")),
		migrationAborts: prometheus.NewCounter(factory("migration_aborts_total",
			"Migration tasks aborted because the target died")),
	}

	registry.MustRegister(
		m.opsTotal, m.opLatency, m.quorumFailures, m.readRepairs,
		m.ringGeneration, m.clusterSize, m.gossipRounds, m.deadConfirmed,
		m.migrationsActive, m.migrationKeys, m.migrationAborts,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOp records one coordinator operation.
func (m *Metrics) ObserveOp(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.opsTotal.WithLabelValues(op, outcome).Inc()
	m.opLatency.WithLabelValues(op).Observe(d.Seconds())
}

// IncQuorumFailure counts an operation that missed its quorum.
func (m *Metrics) IncQuorumFailure(op string) {
	if m == nil {
		return
	}
	m.quorumFailures.WithLabelValues(op).Inc()
}

// IncReadRepair counts one repaired replica.
func (m *Metrics) IncReadRepair() {
	if m == nil {
		return
	}
	m.readRepairs.Inc()
}

// SetRingGeneration publishes the current ring generation.
func (m *Metrics) SetRingGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.ringGeneration.Set(float64(gen))
}

// SetClusterSize publishes membership counts per state.
func (m *Metrics) SetClusterSize(state string, n int) {
	if m == nil {
		return
	}
	m.clusterSize.WithLabelValues(state).Set(float64(n))
}

// IncGossipRound counts a completed gossip exchange.
func (m *Metrics) IncGossipRound() {
	if m == nil {
		return
	}
	m.gossipRounds.Inc()
}

// IncDeadConfirmed counts a Dead confirmation.
func (m *Metrics) IncDeadConfirmed() {
	if m == nil {
		return
	}
	m.deadConfirmed.Inc()
}

// AddMigrationsActive moves the active-migrations gauge.
func (m *Metrics) AddMigrationsActive(delta int) {
	if m == nil {
		return
	}
	m.migrationsActive.Add(float64(delta))
}

// AddMigrationKeys counts copied keys.
func (m *Metrics) AddMigrationKeys(n int) {
	if m == nil {
		return
	}
	m.migrationKeys.Add(float64(n))
}

// IncMigrationAbort counts an aborted task.
func (m *Metrics) IncMigrationAbort() {
	if m == nil {
		return
	}
	m.migrationAborts.Inc()
}
