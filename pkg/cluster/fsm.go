package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/hashicorp/raft"
)

// fsm implements the Raft finite state machine for cluster membership. Every
// applied command that adds, removes, or changes the status of a node
// advances clusterKey to the log index of that entry — the generation number
// stamped on in-flight migrations so a stale membership view can be detected.
type fsm struct {
	mu         sync.RWMutex
	store      *nodeStore
	clusterKey uint64
}

func newFSM(store *nodeStore) *fsm {
	return &fsm{store: store}
}

// Command represents a state change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ClusterKey returns the log index of the last membership-mutating command
// applied to the FSM.
func (f *fsm) ClusterKey() uint64 {
	return atomic.LoadUint64(&f.clusterKey)
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	switch cmd.Op {
	case "put_node":
		var node types.Node
		if err = json.Unmarshal(cmd.Data, &node); err == nil {
			err = f.store.PutNode(&node)
		}
	case "delete_node":
		var id types.NodeID
		if err = json.Unmarshal(cmd.Data, &id); err == nil {
			err = f.store.DeleteNode(id)
		}
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Op)
	}

	if err == nil {
		atomic.StoreUint64(&f.clusterKey, log.Index)
	}
	return err
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	return &snapshot{Nodes: nodes, ClusterKey: f.ClusterKey()}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, node := range snap.Nodes {
		if err := f.store.PutNode(node); err != nil {
			return fmt.Errorf("restore node %s: %w", node.ID, err)
		}
	}
	atomic.StoreUint64(&f.clusterKey, snap.ClusterKey)

	return nil
}

// snapshot is a point-in-time capture of cluster membership.
type snapshot struct {
	Nodes      []*types.Node
	ClusterKey uint64
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
