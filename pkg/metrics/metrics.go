package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyspace_nodes_total",
			Help: "Total number of cluster nodes by role and status",
		},
		[]string{"role", "status"},
	)

	PartitionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyspace_partitions_total",
			Help: "Total number of partitions held by this node by state",
		},
		[]string{"state"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	ClusterKeyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_cluster_key",
			Help: "Current cluster membership generation",
		},
	)

	// Admin API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyspace_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Rebalancer metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyspace_reconciliation_duration_seconds",
			Help:    "Time taken for a rebalance reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keyspace_reconciliation_cycles_total",
			Help: "Total number of rebalance reconciliation cycles completed",
		},
	)

	RebalanceMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_rebalance_moves_total",
			Help: "Total number of partition moves triggered by the rebalancer",
		},
		[]string{"namespace"},
	)

	// Migration engine metrics, per the migrate engine's emigration and
	// immigration state machines.
	MigrateEmigrationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_migrate_emigrations_active",
			Help: "Number of emigrations currently in progress on this node",
		},
	)

	MigrateImmigrationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_migrate_immigrations_active",
			Help: "Number of immigrations currently in progress on this node",
		},
	)

	MigrateInflightSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyspace_migrate_inflight_size",
			Help: "Current size of the in-flight retransmit table",
		},
	)

	MigrateInsertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_migrate_inserts_sent_total",
			Help: "Total number of INSERT records transmitted by emigrations",
		},
		[]string{"namespace"},
	)

	MigrateInsertsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_migrate_inserts_applied_total",
			Help: "Total number of INSERT records applied by immigrations",
		},
		[]string{"namespace"},
	)

	MigrateRetransmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_migrate_retransmits_total",
			Help: "Total number of records retransmitted from the in-flight table",
		},
		[]string{"namespace"},
	)

	MigrateReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_migrate_reaped_total",
			Help: "Total number of immigrations and ZOMBIE partitions reaped, by reason",
		},
		[]string{"reason"},
	)

	MigrateCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_migrate_cancelled_total",
			Help: "Total number of migrations cancelled by a cluster key mismatch",
		},
		[]string{"namespace"},
	)

	MigrateDoneTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_migrate_done_total",
			Help: "Total number of migrations that reached DONE, by outcome",
		},
		[]string{"namespace", "outcome"},
	)

	MigrateSubRecordsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_migrate_subrecords_sent_total",
			Help: "Total number of secondary records transmitted by emigrations",
		},
		[]string{"namespace"},
	)

	MigrateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyspace_migrate_duration_seconds",
			Help:    "Time for a partition migration to reach DONE, in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"namespace", "direction"},
	)

	// Storage metrics
	StorageReduceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyspace_storage_reduce_duration_seconds",
			Help:    "Time to stream (reduce) a partition's records for emigration",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageFlattenDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyspace_storage_flatten_duration_seconds",
			Help:    "Time to merge (flatten) an incoming record into storage",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Fabric transport metrics
	FabricQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyspace_fabric_queue_depth",
			Help: "Current send queue depth per peer and priority lane",
		},
		[]string{"peer", "priority"},
	)

	FabricSendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyspace_fabric_send_errors_total",
			Help: "Total number of fabric send failures by result",
		},
		[]string{"result"},
	)

	// PeerHealthy reports the health package's own liveness probe result
	// for a peer, independent of Raft's slower membership view.
	PeerHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyspace_peer_healthy",
			Help: "Whether this node's liveness probe considers a peer healthy (1) or not (0)",
		},
		[]string{"peer"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(ClusterKeyGauge)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(RebalanceMovesTotal)

	prometheus.MustRegister(MigrateEmigrationsActive)
	prometheus.MustRegister(MigrateImmigrationsActive)
	prometheus.MustRegister(MigrateInflightSize)
	prometheus.MustRegister(MigrateInsertsSentTotal)
	prometheus.MustRegister(MigrateInsertsAppliedTotal)
	prometheus.MustRegister(MigrateRetransmitsTotal)
	prometheus.MustRegister(MigrateReapedTotal)
	prometheus.MustRegister(MigrateCancelledTotal)
	prometheus.MustRegister(MigrateDoneTotal)
	prometheus.MustRegister(MigrateSubRecordsSentTotal)
	prometheus.MustRegister(MigrateDuration)

	prometheus.MustRegister(StorageReduceDuration)
	prometheus.MustRegister(StorageFlattenDuration)

	prometheus.MustRegister(FabricQueueDepth)
	prometheus.MustRegister(FabricSendErrorsTotal)

	prometheus.MustRegister(PeerHealthy)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
