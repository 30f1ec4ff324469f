package scheduler

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/keyspacedb/keyspace/pkg/config"
	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/types"
)

// Assignment maps a partition to the node id that should own it.
type Assignment map[partition.Key]types.NodeID

// Compute returns the desired owner for every partition declared across
// namespaces, chosen by rendezvous hashing over nodes. Callers are expected
// to have already filtered nodes down to those that are schedulable (Ready
// status); an empty nodes slice yields an empty assignment.
func Compute(namespaces []config.Namespace, nodes []*types.Node) Assignment {
	assignment := make(Assignment)
	if len(nodes) == 0 {
		return assignment
	}
	for _, ns := range namespaces {
		for pid := 0; pid < ns.Partitions; pid++ {
			key := partition.Key{Namespace: types.Namespace(ns.Name), Partition: types.PartitionID(pid)}
			assignment[key] = rendezvousOwner(key, nodes)
		}
	}
	return assignment
}

// ReadyNodes filters a node list down to those that can hold partition
// replicas — voters and non-voters alike, as long as they're Ready.
func ReadyNodes(nodes []*types.Node) []*types.Node {
	var ready []*types.Node
	for _, n := range nodes {
		if n.Status == types.NodeStatusReady {
			ready = append(ready, n)
		}
	}
	return ready
}

// rendezvousOwner picks the node whose hash weight for this partition key is
// highest (HRW hashing). Deterministic given the same node set: only the
// partitions whose highest-weight node changes get reassigned when
// membership changes.
func rendezvousOwner(key partition.Key, nodes []*types.Node) types.NodeID {
	var best types.NodeID
	var bestWeight uint64
	for _, n := range nodes {
		w := weight(key, n.ID)
		if best == "" || w > bestWeight {
			best = n.ID
			bestWeight = w
		}
	}
	return best
}

func weight(key partition.Key, node types.NodeID) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(string(key.Namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatUint(uint64(key.Partition), 10))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(node))
	return h.Sum64()
}
