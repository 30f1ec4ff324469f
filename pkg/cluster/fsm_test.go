package cluster

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/hashicorp/raft"
)

// fakeSnapshotSink adapts a bytes.Buffer to raft.SnapshotSink for tests.
type fakeSnapshotSink struct {
	bytes.Buffer
}

func (s *fakeSnapshotSink) ID() string     { return "test-snapshot" }
func (s *fakeSnapshotSink) Cancel() error  { return nil }
func (s *fakeSnapshotSink) Close() error   { return nil }

func newTestFSM(t *testing.T) (*fsm, *nodeStore) {
	t.Helper()
	store, err := newNodeStore(t.TempDir())
	if err != nil {
		t.Fatalf("newNodeStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newFSM(store), store
}

func applyCmd(t *testing.T, f *fsm, index uint64, op string, data interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	cmd := Command{Op: op, Data: raw}
	cmdBytes, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return f.Apply(&raft.Log{Index: index, Data: cmdBytes})
}

func TestFSMPutAndGetNode(t *testing.T) {
	f, store := newTestFSM(t)

	node := &types.Node{ID: "node-1", Address: "10.0.0.1:7000", Role: types.NodeRoleVoter}
	if res := applyCmd(t, f, 1, "put_node", node); res != nil {
		t.Fatalf("apply put_node: %v", res)
	}

	got, err := store.GetNode("node-1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Address != node.Address {
		t.Errorf("expected address %s, got %s", node.Address, got.Address)
	}

	if ck := f.ClusterKey(); ck != 1 {
		t.Errorf("expected cluster key 1, got %d", ck)
	}
}

func TestFSMDeleteNodeAdvancesClusterKey(t *testing.T) {
	f, store := newTestFSM(t)

	node := &types.Node{ID: "node-1", Address: "10.0.0.1:7000"}
	applyCmd(t, f, 1, "put_node", node)
	applyCmd(t, f, 2, "delete_node", node.ID)

	if ck := f.ClusterKey(); ck != 2 {
		t.Errorf("expected cluster key 2, got %d", ck)
	}

	if _, err := store.GetNode("node-1"); err == nil {
		t.Fatal("expected node to be deleted")
	}
}

func TestFSMUnknownCommandDoesNotAdvanceClusterKey(t *testing.T) {
	f, _ := newTestFSM(t)

	applyCmd(t, f, 1, "put_node", &types.Node{ID: "node-1"})
	res := applyCmd(t, f, 2, "bogus_op", "x")
	if res == nil {
		t.Fatal("expected error for unknown command")
	}
	if ck := f.ClusterKey(); ck != 1 {
		t.Errorf("expected cluster key to stay at 1, got %d", ck)
	}
}

func TestFSMSnapshotRestore(t *testing.T) {
	f, _ := newTestFSM(t)
	applyCmd(t, f, 1, "put_node", &types.Node{ID: "node-1", Address: "a"})
	applyCmd(t, f, 2, "put_node", &types.Node{ID: "node-2", Address: "b"})

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sink := &fakeSnapshotSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	f2, store2 := newTestFSM(t)
	if err := f2.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	nodes, err := store2.ListNodes()
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 restored nodes, got %d", len(nodes))
	}
	if f2.ClusterKey() != 2 {
		t.Errorf("expected restored cluster key 2, got %d", f2.ClusterKey())
	}
}
