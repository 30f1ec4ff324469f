package migrate

import (
	"fmt"
	"testing"
	"time"

	"github.com/keyspacedb/keyspace/pkg/config"
	"github.com/keyspacedb/keyspace/pkg/fabric"
	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/storage"
	"github.com/keyspacedb/keyspace/pkg/types"
)

// fakeTransport links a closed set of peers by address and delivers every
// Send synchronously, so a test never needs to poll or sleep for a message
// round trip to land.
type fakeTransport struct {
	selfAddr string
	peers    map[string]*fakeTransport
	handler  fabric.Handler
}

func (f *fakeTransport) Register(_ fabric.MessageType, h fabric.Handler) error {
	f.handler = h
	return nil
}

func (f *fakeTransport) Alloc(op fabric.Op) *fabric.Message { return fabric.Alloc(op) }
func (f *fakeTransport) Start() error                        { return nil }
func (f *fakeTransport) Stop() error                          { return nil }

func (f *fakeTransport) Send(peer string, msg *fabric.Message, _ fabric.Priority) fabric.SendResult {
	dst, ok := f.peers[peer]
	if !ok {
		return fabric.SendNoPeer
	}
	dst.handler(f.selfAddr, msg)
	msg.Put()
	return fabric.SendOK
}

type fakeResolver map[types.NodeID]string

func (f fakeResolver) ResolveAddr(id types.NodeID) (string, error) {
	addr, ok := f[id]
	if !ok {
		return "", fmt.Errorf("no such peer: %s", id)
	}
	return addr, nil
}

type fakeClusterKeyer struct{ key uint64 }

func (f *fakeClusterKeyer) ClusterKey() uint64 { return f.key }

func testMigrateConfig() config.Migrate {
	return config.Migrate{
		NMigrateThreads:     1,
		MigrateXmitHWM:      0,
		MigrateXmitLWM:      0,
		MigrateXmitPriority: "low",
		MigrateReadPriority: "low",
		MigrateRxLifetimeMS: 0,
		TransactionRetryMS:  50,
	}
}

func newTestEngine(t *testing.T, addr, peerAddr string, peerNode types.NodeID) (*Engine, *storage.Store, *partition.Manager, *fakeTransport) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pm := partition.NewManager(store, &fakeClusterKeyer{key: 1}, nil)
	tr := &fakeTransport{selfAddr: addr, peers: map[string]*fakeTransport{}}
	engine := NewEngine(tr, store, pm, fakeResolver{peerNode: peerAddr}, testMigrateConfig())
	return engine, store, pm, tr
}

func TestEngineHappyPathThreeRecords(t *testing.T) {
	engineA, storeA, _, trA := newTestEngine(t, "addrA", "addrB", "B")
	engineB, storeB, _, trB := newTestEngine(t, "addrB", "addrA", "A")
	trA.peers["addrB"] = trB
	trB.peers["addrA"] = trA

	if err := engineA.Init(); err != nil {
		t.Fatalf("engineA.Init: %v", err)
	}
	if err := engineB.Init(); err != nil {
		t.Fatalf("engineB.Init: %v", err)
	}
	t.Cleanup(engineA.Stop)
	t.Cleanup(engineB.Stop)

	ns := types.Namespace("ns")
	var pid types.PartitionID = 7
	if err := storeA.CreatePartition(ns, pid); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	records := []types.PickledRecord{
		{Digest: types.Digest{'A'}, Generation: 1, Body: []byte("a")},
		{Digest: types.Digest{'B'}, Generation: 1, Body: []byte("b")},
		{Digest: types.Digest{'C'}, Generation: 1, Body: []byte("c")},
	}
	for _, r := range records {
		if err := storeA.Index(ns, pid).Flatten(r); err != nil {
			t.Fatalf("seed Flatten: %v", err)
		}
	}

	engineA.Emigrate(Job{Namespace: ns, PartitionID: pid, Destination: "B", ClusterKey: 1}, false)

	// The emigration only reaches DONE after the destination has flattened
	// every record and acked it, so waiting for the registry to drain is a
	// strictly later, unambiguous completion signal than polling the
	// destination's record count directly.
	deadline := time.Now().Add(2 * time.Second)
	for engineA.emigs.len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for emigration to retire, %d still registered", engineA.emigs.len())
		}
		time.Sleep(time.Millisecond)
	}

	n, err := storeB.Index(ns, pid).Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 records on the destination, got %d", n)
	}
}

func TestEngineHandleInsertDuplicateIsIdempotent(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, "addrB", "addrA", "A")
	ns := types.Namespace("ns")
	var pid types.PartitionID = 3

	startMsg := fabric.Alloc(fabric.OpStart)
	startMsg.SetEmigID(1).SetNamespace(string(ns)).SetPartition(uint32(pid)).SetClusterKey(1)
	engine.handleStart("addrA", startMsg)
	startMsg.Put()

	insertMsg := func() *fabric.Message {
		m := fabric.Alloc(fabric.OpInsert)
		m.SetEmigID(1).SetInsertID(1).SetDigest(types.Digest{'A'}).SetGeneration(1).SetRecord([]byte("a")).SetClusterKey(1)
		return m
	}

	engine.handleInsert("addrA", insertMsg())
	engine.handleInsert("addrA", insertMsg())

	n, err := store.Index(ns, pid).Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one record after a duplicate INSERT, got %d", n)
	}
}

func TestEngineHandleInsertOlderGenerationDoesNotOverwrite(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, "addrB", "addrA", "A")
	ns := types.Namespace("ns")
	var pid types.PartitionID = 3

	startMsg := fabric.Alloc(fabric.OpStart)
	startMsg.SetEmigID(1).SetNamespace(string(ns)).SetPartition(uint32(pid)).SetClusterKey(1)
	engine.handleStart("addrA", startMsg)
	startMsg.Put()

	newer := fabric.Alloc(fabric.OpInsert)
	newer.SetEmigID(1).SetInsertID(1).SetDigest(types.Digest{'A'}).SetGeneration(5).SetRecord([]byte("new")).SetClusterKey(1)
	engine.handleInsert("addrA", newer)

	older := fabric.Alloc(fabric.OpInsert)
	older.SetEmigID(1).SetInsertID(2).SetDigest(types.Digest{'A'}).SetGeneration(1).SetRecord([]byte("old")).SetClusterKey(1)
	engine.handleInsert("addrA", older)

	var found types.PickledRecord
	err := store.Index(ns, pid).Reduce(func(pr types.PickledRecord) error {
		found = pr
		return nil
	})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if found.Generation != 5 {
		t.Fatalf("expected the record to remain at generation 5, got %d", found.Generation)
	}
}

func TestEngineHandleDoneOnlyFirstHasSideEffects(t *testing.T) {
	engine, _, pm, _ := newTestEngine(t, "addrB", "addrA", "A")
	ns := types.Namespace("ns")
	var pid types.PartitionID = 3
	key := partition.Key{Namespace: ns, Partition: pid}

	startMsg := fabric.Alloc(fabric.OpStart)
	startMsg.SetEmigID(1).SetNamespace(string(ns)).SetPartition(uint32(pid)).SetClusterKey(1)
	engine.handleStart("addrA", startMsg)
	startMsg.Put()

	if pm.State(key) != types.PartitionDesync {
		t.Fatalf("expected DESYNC after admission, got %s", pm.State(key))
	}

	doneMsg := fabric.Alloc(fabric.OpDone)
	doneMsg.SetEmigID(1).SetClusterKey(1)
	engine.handleDone("addrA", doneMsg)
	doneMsg.Put()

	if pm.State(key) != types.PartitionSync {
		t.Fatalf("expected SYNC after first DONE, got %s", pm.State(key))
	}
	if engine.imms.len() != 0 {
		t.Fatalf("expected the immigration removed immediately (zero grace period), got %d still registered", engine.imms.len())
	}

	// A second DONE for the same (now-removed) immigration must still be
	// ACKed and must not panic or change state.
	doneMsg2 := fabric.Alloc(fabric.OpDone)
	doneMsg2.SetEmigID(1).SetClusterKey(1)
	engine.handleDone("addrA", doneMsg2)
	doneMsg2.Put()

	if pm.State(key) != types.PartitionSync {
		t.Fatalf("expected SYNC to remain stable after a duplicate DONE, got %s", pm.State(key))
	}
}

func TestEngineHandleStartClusterKeyMismatchAsksAgain(t *testing.T) {
	engine, _, _, tr := newTestEngine(t, "addrB", "addrA", "A")
	var acked fabric.Op
	tr.peers["addrA"] = &fakeTransport{
		selfAddr: "addrA",
		handler: func(_ string, msg *fabric.Message) {
			acked = msg.Op
		},
	}

	startMsg := fabric.Alloc(fabric.OpStart)
	startMsg.SetEmigID(1).SetNamespace("ns").SetPartition(3).SetClusterKey(999)
	engine.handleStart("addrA", startMsg)
	startMsg.Put()

	if acked != fabric.OpStartAckEagain {
		t.Fatalf("expected START_ACK_EAGAIN on cluster-key mismatch, got %s", acked)
	}
}
