package migrate

import (
	"sync"

	"github.com/keyspacedb/keyspace/pkg/types"
)

// emigrationRegistry indexes live emigrations by emig_id so the ack
// dispatcher can route acknowledgments back to their originating worker
// (spec.md §2). Lifetime is process-wide; entries are added when a worker
// starts an emigration and removed when it retires.
type emigrationRegistry struct {
	mu   sync.RWMutex
	byID map[uint32]*Emigration
}

func newEmigrationRegistry() *emigrationRegistry {
	return &emigrationRegistry{byID: make(map[uint32]*Emigration)}
}

func (r *emigrationRegistry) register(e *Emigration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[e.ID] = e
}

func (r *emigrationRegistry) lookup(id uint32) (*Emigration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

func (r *emigrationRegistry) remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *emigrationRegistry) forEach(fn func(*Emigration)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID {
		fn(e)
	}
}

func (r *emigrationRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// immigrationKey is the composite identity of an immigration (spec.md §3):
// one source node can run at most one live immigration per emig_id.
type immigrationKey struct {
	Source types.NodeID
	EmigID uint32
}

type versionKey struct {
	Version     uint64
	PartitionID types.PartitionID
}

// immigrationRegistry indexes live immigrations by (source, emig_id), and
// additionally by (version, partition_id) so the read path can answer
// IsIncoming for a secondary record without knowing which source it's
// arriving from (spec.md §2's "secondary-record version index").
type immigrationRegistry struct {
	mu        sync.RWMutex
	byKey     map[immigrationKey]*Immigration
	byVersion map[versionKey]*Immigration
}

func newImmigrationRegistry() *immigrationRegistry {
	return &immigrationRegistry{
		byKey:     make(map[immigrationKey]*Immigration),
		byVersion: make(map[versionKey]*Immigration),
	}
}

// insertIfAbsent adds imm keyed by key, indexing it by version too, unless
// an entry already exists for key — spec.md §4.2's "insert-if-absent...on
// key collision, discard the new one silently (duplicate START)".
func (r *immigrationRegistry) insertIfAbsent(key immigrationKey, imm *Immigration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[key]; exists {
		return false
	}
	r.byKey[key] = imm
	r.byVersion[versionKey{Version: imm.Version, PartitionID: imm.PartitionID}] = imm
	return true
}

func (r *immigrationRegistry) lookup(key immigrationKey) (*Immigration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	imm, ok := r.byKey[key]
	return imm, ok
}

// lookupByVersion answers IsIncoming: is a secondary record with this
// version and partition id currently mid-import, in a phase matching
// phaseFilter?
func (r *immigrationRegistry) lookupByVersion(version uint64, pid types.PartitionID, phaseFilter Phase) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	imm, ok := r.byVersion[versionKey{Version: version, PartitionID: pid}]
	if !ok {
		return false
	}
	return imm.Phase() == phaseFilter
}

// remove deletes key from both indexes, per spec.md §3 invariant 3: "both
// entries are removed together at teardown".
func (r *immigrationRegistry) remove(key immigrationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	imm, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(r.byKey, key)
	vk := versionKey{Version: imm.Version, PartitionID: imm.PartitionID}
	if cur, ok := r.byVersion[vk]; ok && cur == imm {
		delete(r.byVersion, vk)
	}
}

func (r *immigrationRegistry) forEach(fn func(*Immigration)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, imm := range r.byKey {
		fn(imm)
	}
}

func (r *immigrationRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
