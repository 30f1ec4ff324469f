// Package partition owns partition state (ABSENT, DESYNC, SYNC, ZOMBIE),
// reference-counted reservations, and the per-partition record tree, per
// spec.md §1's partition-manager interface: Reserve/Release,
// MigrateTxNotify/MigrateRxNotify, and ClusterKey.
//
// A partition's lifecycle mirrors a migration's: ABSENT when this node
// holds no replica, DESYNC while an immigration is populating it, SYNC once
// fully populated and safe to serve, and ZOMBIE once this node has
// emigrated it elsewhere but still holds the stale copy pending reap.
package partition
