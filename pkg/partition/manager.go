package partition

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/keyspacedb/keyspace/pkg/events"
	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
	"github.com/keyspacedb/keyspace/pkg/storage"
	"github.com/keyspacedb/keyspace/pkg/types"
)

// Key identifies one partition replica slot on this node.
type Key struct {
	Namespace types.Namespace
	Partition types.PartitionID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Namespace, k.Partition)
}

// ClusterKeyer is the narrow view of cluster membership the partition
// manager needs: the current membership generation every migration message
// is stamped with. pkg/cluster.Manager satisfies this.
type ClusterKeyer interface {
	ClusterKey() uint64
}

// AdmitResult is returned by MigrateRxNotify when asked to admit an
// incoming migration (spec.md §4.2's START handling).
type AdmitResult int

const (
	AdmitOK AdmitResult = iota
	AdmitAgain
	AdmitFail
	AdmitAlreadyDone
)

func (r AdmitResult) String() string {
	switch r {
	case AdmitOK:
		return "OK"
	case AdmitAgain:
		return "AGAIN"
	case AdmitFail:
		return "FAIL"
	case AdmitAlreadyDone:
		return "ALREADY_DONE"
	default:
		return "UNKNOWN"
	}
}

// TxResult is the outcome an emigration worker reports back via
// MigrateTxNotify once its state machine reaches a terminal state.
type TxResult int

const (
	TxDone TxResult = iota
	TxErr
)

type entry struct {
	state    types.PartitionState
	refCount int
}

// Reservation is a reference-counted handle over one partition, pinning it
// for the duration of an emigration or immigration. Callers must Release
// exactly once per successful Reserve.
type Reservation struct {
	key Key
	mgr *Manager
}

func (r *Reservation) Key() Key { return r.key }

// Release drops this reservation's reference. If the partition is ZOMBIE
// and no reservation remains, its backing data is reaped.
func (r *Reservation) Release() { r.mgr.release(r.key) }

// Manager owns partition state for every namespace/partition this node
// holds a replica of — ABSENT entries are never stored, so presence in the
// map implies DESYNC, SYNC, or ZOMBIE.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
	store   *storage.Store
	cluster ClusterKeyer
	broker  *events.Broker
}

// NewManager creates a partition manager backed by store. cluster supplies
// ClusterKey(); broker may be nil if no event notifications are wanted.
func NewManager(store *storage.Store, cluster ClusterKeyer, broker *events.Broker) *Manager {
	return &Manager{
		entries: make(map[Key]*entry),
		store:   store,
		cluster: cluster,
		broker:  broker,
	}
}

// ClusterKey returns the current cluster membership generation, per
// spec.md §1's partition-manager interface.
func (m *Manager) ClusterKey() uint64 { return m.cluster.ClusterKey() }

// State returns the current state of key, or PartitionAbsent if this node
// holds no entry for it.
func (m *Manager) State(key Key) types.PartitionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return types.PartitionAbsent
	}
	return e.state
}

// Snapshot returns the state of every partition this node currently holds an
// entry for (ABSENT partitions are never stored, so this only ever reports
// DESYNC, SYNC, or ZOMBIE). Used by the rebalancer's reconcile loop to find
// which locally-owned partitions it should consider emigrating.
func (m *Manager) Snapshot() map[Key]types.PartitionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]types.PartitionState, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.state
	}
	return out
}

// AdoptLocal registers a partition as SYNC without going through an
// immigration — used for partitions assigned to this node when it already
// held the only (or first) replica, e.g. at cluster bootstrap.
func (m *Manager) AdoptLocal(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return fmt.Errorf("partition %s already has an entry", key)
	}
	if err := m.store.CreatePartition(key.Namespace, key.Partition); err != nil {
		return fmt.Errorf("create partition %s: %w", key, err)
	}
	m.entries[key] = &entry{state: types.PartitionSync}
	m.gauge()
	return nil
}

// Reserve pins key for the duration of a migration. A partition with no
// prior entry starts ABSENT and is reserved in that state (the emigration
// worker's caller is expected to check State itself before reserving if it
// needs a non-ABSENT partition; the immigration admission path creates the
// entry as part of admitting, see MigrateRxNotify).
func (m *Manager) Reserve(key Key) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{state: types.PartitionAbsent}
		m.entries[key] = e
	}
	e.refCount++
	return &Reservation{key: key, mgr: m}, nil
}

func (m *Manager) release(key Key) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refCount--
	shouldReap := e.refCount <= 0 && e.state == types.PartitionZombie
	if shouldReap {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if shouldReap {
		if err := m.store.DropPartition(key.Namespace, key.Partition); err != nil {
			log.WithComponent("partition").Warn().Err(err).Str("partition", key.String()).Msg("reap zombie partition failed")
		} else {
			metrics.MigrateReapedTotal.WithLabelValues("zombie_reaped").Inc()
			m.publish(events.EventPartitionDropped, key)
		}
		m.gauge()
	}
}

// MigrateRxNotify is called by the immigration handler both to ask
// permission to admit a new immigration (state RxAdmit) and to report that
// an immigration reached DONE (state RxDone), per spec.md §4.2.
func (m *Manager) MigrateRxNotify(key Key, state RxState) AdmitResult {
	result, notify := m.rxNotifyLocked(key, state)
	if notify != "" {
		m.gauge()
		m.publish(notify, key)
	}
	return result
}

// rxNotifyLocked performs the state transition under the manager's lock and
// returns which event (if any) the caller should publish afterward, once
// the lock is released.
func (m *Manager) rxNotifyLocked(key Key, state RxState) (AdmitResult, events.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	switch state {
	case RxAdmit:
		if !ok {
			if err := m.store.CreatePartition(key.Namespace, key.Partition); err != nil {
				return AdmitFail, ""
			}
			m.entries[key] = &entry{state: types.PartitionDesync}
			return AdmitOK, events.EventPartitionDesynced
		}
		switch e.state {
		case types.PartitionAbsent, types.PartitionDesync:
			e.state = types.PartitionDesync
			return AdmitOK, ""
		case types.PartitionSync:
			return AdmitAlreadyDone, ""
		case types.PartitionZombie:
			return AdmitAgain, ""
		default:
			return AdmitFail, ""
		}
	case RxDone:
		if !ok {
			return AdmitFail, ""
		}
		if e.state == types.PartitionDesync {
			e.state = types.PartitionSync
			return AdmitOK, events.EventPartitionSynced
		}
		return AdmitOK, ""
	default:
		return AdmitFail, ""
	}
}

// RxState selects which MigrateRxNotify behavior is invoked.
type RxState int

const (
	RxAdmit RxState = iota
	RxDone
)

// MigrateTxNotify is called by an emigration worker once its state machine
// reaches a terminal state. A successful emigration (TxDone) demotes the
// local replica to ZOMBIE — ownership has moved to the destination. A
// failed emigration (TxErr) leaves local state untouched; the rebalancer
// may retry later.
func (m *Manager) MigrateTxNotify(key Key, result TxResult) {
	if result != TxDone {
		metrics.MigrateDoneTotal.WithLabelValues(string(key.Namespace), "error").Inc()
		return
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && e.state == types.PartitionSync {
		e.state = types.PartitionZombie
	}
	m.mu.Unlock()

	metrics.MigrateDoneTotal.WithLabelValues(string(key.Namespace), "done").Inc()
	m.publish(events.EventPartitionZombied, key)
	m.gauge()
}

func (m *Manager) publish(t events.EventType, key Key) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:   uuid.New().String(),
		Type: t,
		Metadata: map[string]string{
			"namespace":    string(key.Namespace),
			"partition_id": fmt.Sprintf("%d", key.Partition),
		},
	})
}

func (m *Manager) gauge() {
	m.mu.Lock()
	counts := map[types.PartitionState]int{}
	for _, e := range m.entries {
		counts[e.state]++
	}
	m.mu.Unlock()
	for _, s := range []types.PartitionState{types.PartitionDesync, types.PartitionSync, types.PartitionZombie} {
		metrics.PartitionsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
