/*
Package types defines the core data structures shared across the keyspace
node: cluster membership, partitions, and the records that migrate between
them.

# Core Types

  - ClusterKey: the membership generation every migration message is stamped
    with.
  - Node: a cluster member, addressed by the fabric transport.
  - PartitionState: ABSENT, DESYNC, SYNC, ZOMBIE — per-node partition
    lifecycle.
  - PickledRecord: a record serialized for wire transmission and direct
    merge on the receiver, including the optional secondary-record fields.

These types are intentionally thin — they carry no behavior, only the shapes
pkg/cluster, pkg/partition, pkg/storage, pkg/fabric, and pkg/migrate agree on.
*/
package types
