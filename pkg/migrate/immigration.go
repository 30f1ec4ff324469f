package migrate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/types"
)

// Immigration is the in-memory state tracking one inbound partition from
// one source node, keyed by (source_node, emig_id) (spec.md §3).
type Immigration struct {
	Source      types.NodeID
	EmigID      uint32
	Namespace   types.Namespace
	PartitionID types.PartitionID
	ClusterKey  uint64
	Version     uint64

	reservation *partition.Reservation

	mu         sync.Mutex
	phase      Phase
	startedAt  time.Time
	doneAt     time.Time
	doneReceived uint32 // atomic
}

func newImmigration(source types.NodeID, emigID uint32, ns types.Namespace, pid types.PartitionID, clusterKey, version uint64, reservation *partition.Reservation) *Immigration {
	return &Immigration{
		Source:      source,
		EmigID:      emigID,
		Namespace:   ns,
		PartitionID: pid,
		ClusterKey:  clusterKey,
		Version:     version,
		reservation: reservation,
		phase:       PhaseSubrecord,
		startedAt:   time.Now(),
	}
}

// Phase returns the immigration's current receive phase.
func (imm *Immigration) Phase() Phase {
	imm.mu.Lock()
	defer imm.mu.Unlock()
	return imm.phase
}

// AdvanceToRecordPhase flips SUBRECORD -> RECORD on the first non-subrecord
// INSERT observed (spec.md §4.5's scenario 6), a one-way transition (spec.md
// §3 invariant 6: phase monotonicity).
func (imm *Immigration) AdvanceToRecordPhase() {
	imm.mu.Lock()
	defer imm.mu.Unlock()
	imm.phase = PhaseRecord
}

// MarkDone atomically increments the done-received counter and reports
// whether this was the first DONE observed — only the first fires side
// effects (spec.md §4.2).
func (imm *Immigration) MarkDone() (first bool) {
	first = atomic.AddUint32(&imm.doneReceived, 1) == 1
	if first {
		imm.mu.Lock()
		imm.doneAt = time.Now()
		imm.mu.Unlock()
	}
	return first
}

// DoneReceived reports whether at least one DONE has been processed.
func (imm *Immigration) DoneReceived() bool {
	return atomic.LoadUint32(&imm.doneReceived) > 0
}

// DoneAt returns the timestamp of the first DONE, or the zero time if none
// has arrived yet.
func (imm *Immigration) DoneAt() time.Time {
	imm.mu.Lock()
	defer imm.mu.Unlock()
	return imm.doneAt
}

// StartedAt returns when this immigration was admitted.
func (imm *Immigration) StartedAt() time.Time {
	return imm.startedAt
}

func (imm *Immigration) key() immigrationKey {
	return immigrationKey{Source: imm.Source, EmigID: imm.EmigID}
}
