// Package types holds the core data model shared across the keyspace node:
// cluster membership, partitions, and the records that migrate between them.
package types

import (
	"net"
	"time"
)

// ClusterKey is the monotonically advancing cluster membership generation.
// Every migration message is stamped with the ClusterKey in effect when the
// emigration started; a mismatch against the current key is the universal
// cancellation signal for both sides of a migration.
type ClusterKey uint64

// NodeID identifies a node in the cluster.
type NodeID string

// Namespace is a logical dataset name; partitions are scoped to a namespace.
type Namespace string

// PartitionID identifies one shard of a namespace's keyspace.
type PartitionID uint32

// Digest is a fixed-size record key hash.
type Digest [20]byte

// Node represents a member of the cluster.
type Node struct {
	ID            NodeID
	Address       string // host:port the fabric transport dials
	Role          NodeRole
	Status        NodeStatus
	Labels        map[string]string
	LastHeartbeat time.Time
	JoinedAt      time.Time
}

// NodeRole defines the role of a node in the cluster.
type NodeRole string

const (
	NodeRoleVoter    NodeRole = "voter"
	NodeRoleNonVoter NodeRole = "nonvoter"
)

// NodeStatus represents the current liveness of a node.
type NodeStatus string

const (
	NodeStatusReady   NodeStatus = "ready"
	NodeStatusDown    NodeStatus = "down"
	NodeStatusLeaving NodeStatus = "leaving"
)

// PartitionState is the lifecycle state of one partition replica on one node,
// per spec.md §3.
type PartitionState string

const (
	// PartitionAbsent means this node holds no data for the partition.
	PartitionAbsent PartitionState = "absent"
	// PartitionDesync means the partition exists but is mid-migration and
	// not yet safe to serve or re-migrate.
	PartitionDesync PartitionState = "desync"
	// PartitionSync means the partition is fully populated and owned.
	PartitionSync PartitionState = "sync"
	// PartitionZombie means this node used to own the partition, migrated
	// it away, and is holding a stale copy pending cleanup.
	PartitionZombie PartitionState = "zombie"
)

// RecordProps carries optional per-record metadata (TTL policy bits, bin
// flags, and similar) that travels with a record but isn't interpreted by
// the migration engine itself.
type RecordProps map[string][]byte

// PickledRecord is a record serialized into a self-contained byte blob plus
// metadata, ready for wire transmission and direct merge on the receiver —
// spec.md §3's "Pickled record" and GLOSSARY entry.
type PickledRecord struct {
	Digest     Digest
	Generation uint32
	VoidTime   uint32 // TTL expiration, seconds since epoch
	Body       []byte
	Props      RecordProps

	// Secondary-record fields; zero-valued for ordinary (primary) records.
	IsSubRecord  bool
	IsESR        bool
	ParentDigest Digest
	ESRDigest    Digest
	PGeneration  uint32
	PVoidTime    uint32
	Version      uint64
}

// NetworkConfig is cluster-wide addressing configuration.
type NetworkConfig struct {
	AdvertiseAddr string
	NodeIPs       map[NodeID]net.IP
}
