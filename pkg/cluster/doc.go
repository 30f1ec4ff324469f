// Package cluster tracks which nodes belong to the cluster and maintains the
// cluster key: the Raft log index of the last membership change. Partition
// migrations stamp the cluster key in effect when they start, and treat a
// mismatch against the current key as a signal to cancel — ownership moved
// out from under them mid-flight.
//
// Membership is replicated through a hashicorp/raft group whose FSM only
// ever applies node add/remove/status commands, never partition or record
// data. Storage for partitions and records lives in pkg/storage.
package cluster
