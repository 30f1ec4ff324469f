// Package reconciler runs the rebalancer's periodic reconcile loop: every
// tick it recomputes the desired partition→node assignment
// (pkg/scheduler.Compute) from current cluster membership, diffs it against
// this node's actually-owned partitions (pkg/partition.Manager.Snapshot),
// and calls migrate.Engine.Emigrate for every partition whose desired owner
// is no longer this node.
//
// The loop holds no migration state of its own — it is recomputed from
// scratch every tick, and relies on Engine.IsEmigrating to avoid enqueueing
// a second job for a partition whose migration is already in flight. This
// keeps the rebalancer's failure mode simple: a crash mid-migration loses
// nothing the reconciler needs to recover, since the next tick recomputes
// the same desired assignment and the migration engine's own retry/cancel
// machinery handles the rest.
package reconciler
