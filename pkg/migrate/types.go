package migrate

import (
	"sync/atomic"

	"github.com/keyspacedb/keyspace/pkg/types"
)

// Job describes one requested emigration: move a partition to a destination
// node under a given cluster-key snapshot.
type Job struct {
	Namespace   types.Namespace
	PartitionID types.PartitionID
	Destination types.NodeID
	ClusterKey  uint64
	TxFlags     uint32

	// highPriority marks a job enqueued at high sort-priority. The
	// scheduler's reduce-pop in scheduler.go weighs it after cancelled
	// jobs and ZOMBIE partitions, which it detects itself at pop time.
	highPriority bool
}

// Phase is the sub-protocol phase shared by both sides of a migration: an
// emigration streams its sub-tree then its main tree; an immigration's
// receive phase flips the same way on the first non-subrecord INSERT. It is
// also the phase filter accepted by Engine.IsIncoming.
type Phase int

const (
	// PhaseSubrecord is the sub-record (secondary-record) streaming phase.
	PhaseSubrecord Phase = iota
	// PhaseRecord is the primary-tree streaming phase.
	PhaseRecord
)

func (p Phase) String() string {
	switch p {
	case PhaseSubrecord:
		return "SUBRECORD"
	case PhaseRecord:
		return "RECORD"
	default:
		return "UNKNOWN"
	}
}

// emigIDCounter hands out process-unique, monotonically increasing
// emigration identifiers (spec.md §3 invariant 1).
var emigIDCounter uint32

func nextEmigID() uint32 {
	return atomic.AddUint32(&emigIDCounter, 1)
}

// insertIDCounter hands out process-monotonic insert identifiers, shared
// across all emigrations on this node (spec.md §4.1's "process-monotonic
// counter").
var insertIDCounter uint32

func nextInsertID() uint32 {
	return atomic.AddUint32(&insertIDCounter, 1)
}

// versionCounter mints the secondary-record version stamped on every
// sub-record of one emigration, so the receiver can recognize and reject a
// stale re-import (spec.md §4.1 "Secondary records first").
var versionCounter uint64

func nextVersion() uint64 {
	return atomic.AddUint64(&versionCounter, 1)
}
