// Package scheduler computes the desired partition→node assignment for a
// keyspace cluster: which node should own each (namespace, partition id)
// given the current set of ready cluster nodes.
//
// Compute uses rendezvous (highest random weight) hashing rather than the
// round-robin/least-loaded selection the same placement problem used to get
// solved with, because membership changes in a sharded store need minimal
// reassignment: losing or gaining one node should only move the partitions
// that hash closest to it, not force a recompute of the entire keyspace.
// Compute is a pure function of (namespaces, nodes) — it holds no state of
// its own and is safe to call from any goroutine; pkg/reconciler is what
// turns its output into actual migrations.
package scheduler
