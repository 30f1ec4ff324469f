/*
Package metrics provides Prometheus metrics collection and exposition for the
keyspace node.

It defines and registers all node metrics using the Prometheus client library:
cluster and Raft health, admin API request latency, rebalancer cycles, and
the migration engine's own series (active emigrations/immigrations, in-flight
table size, inserts sent/applied, retransmits, reaper evictions). Metrics are
exposed via an HTTP handler for scraping.

# Metrics Catalog

Cluster / Raft:

	keyspace_nodes_total{role,status}         gauge
	keyspace_raft_is_leader                   gauge (1=leader, 0=follower)
	keyspace_raft_peers_total                 gauge
	keyspace_raft_log_index                   gauge
	keyspace_raft_applied_index               gauge
	keyspace_cluster_key                      gauge

Partitions / rebalancer:

	keyspace_partitions_total{state}          gauge
	keyspace_reconciliation_duration_seconds  histogram
	keyspace_reconciliation_cycles_total      counter
	keyspace_rebalance_moves_total{namespace} counter

Migration engine:

	keyspace_migrate_emigrations_active            gauge
	keyspace_migrate_immigrations_active            gauge
	keyspace_migrate_inflight_size                  gauge
	keyspace_migrate_inserts_sent_total{namespace}  counter
	keyspace_migrate_inserts_applied_total{namespace} counter
	keyspace_migrate_retransmits_total{namespace}   counter
	keyspace_migrate_reaped_total{reason}           counter
	keyspace_migrate_cancelled_total{namespace}     counter
	keyspace_migrate_done_total{namespace,outcome}  counter
	keyspace_migrate_subrecords_sent_total{namespace} counter
	keyspace_migrate_duration_seconds{namespace,direction} histogram

Storage / fabric:

	keyspace_storage_reduce_duration_seconds   histogram
	keyspace_storage_flatten_duration_seconds  histogram
	keyspace_fabric_queue_depth{peer,priority}  gauge
	keyspace_fabric_send_errors_total{result}   counter

# Usage

	timer := metrics.NewTimer()
	engine.Emigrate(job, false)
	timer.ObserveDurationVec(metrics.MigrateDuration, string(job.Namespace), "tx")

	metrics.MigrateInflightSize.Set(float64(len(table)))
	metrics.MigrateRetransmitsTotal.WithLabelValues(string(ns)).Inc()

	http.Handle("/metrics", metrics.Handler())

All metrics are registered in init(); MustRegister panics on duplicate
registration, so the package must be imported exactly once per binary (which
Go's import graph already guarantees).
*/
package metrics
