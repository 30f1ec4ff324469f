package storage

import (
	"errors"
	"testing"

	"github.com/keyspacedb/keyspace/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFlattenAndReduce(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreatePartition("ns", 7); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	idx := s.Index("ns", 7)

	records := []types.PickledRecord{
		{Digest: types.Digest{1}, Generation: 1, Body: []byte("A")},
		{Digest: types.Digest{2}, Generation: 1, Body: []byte("B")},
		{Digest: types.Digest{3}, Generation: 1, Body: []byte("C")},
	}
	for _, r := range records {
		if err := idx.Flatten(r); err != nil {
			t.Fatalf("Flatten: %v", err)
		}
	}

	seen := map[types.Digest]types.PickledRecord{}
	if err := idx.Reduce(func(pr types.PickledRecord) error {
		seen[pr.Digest] = pr
		return nil
	}); err != nil {
		t.Fatalf("Reduce: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("expected 3 records, got %d", len(seen))
	}
}

func TestSnapshotReturnsAllRecordsAfterTxCloses(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreatePartition("ns", 7); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	idx := s.Index("ns", 7)

	records := []types.PickledRecord{
		{Digest: types.Digest{1}, Generation: 1, Body: []byte("A")},
		{Digest: types.Digest{2}, Generation: 1, Body: []byte("B")},
	}
	for _, r := range records {
		if err := idx.Flatten(r); err != nil {
			t.Fatalf("Flatten: %v", err)
		}
	}

	got, err := idx.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}

	// The flatten below must not deadlock against a read transaction left
	// open by Snapshot — it closes before returning.
	if err := idx.Flatten(types.PickledRecord{Digest: types.Digest{3}, Generation: 1, Body: []byte("C")}); err != nil {
		t.Fatalf("Flatten after Snapshot: %v", err)
	}
}

func TestFlattenDuplicateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.CreatePartition("ns", 1)
	idx := s.Index("ns", 1)

	r := types.PickledRecord{Digest: types.Digest{1}, Generation: 1, Body: []byte("A")}
	if err := idx.Flatten(r); err != nil {
		t.Fatalf("Flatten first: %v", err)
	}
	if err := idx.Flatten(r); err != nil {
		t.Fatalf("Flatten duplicate: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record after duplicate insert, got %d", count)
	}
}

func TestFlattenOlderGenerationLoses(t *testing.T) {
	s := newTestStore(t)
	s.CreatePartition("ns", 1)
	idx := s.Index("ns", 1)

	newer := types.PickledRecord{Digest: types.Digest{1}, Generation: 5, Body: []byte("new")}
	older := types.PickledRecord{Digest: types.Digest{1}, Generation: 1, Body: []byte("old")}

	if err := idx.Flatten(newer); err != nil {
		t.Fatalf("Flatten newer: %v", err)
	}
	if err := idx.Flatten(older); err != nil {
		t.Fatalf("Flatten older: %v", err)
	}

	var got types.PickledRecord
	found := false
	idx.Reduce(func(pr types.PickledRecord) error {
		got = pr
		found = true
		return nil
	})
	if !found {
		t.Fatal("expected a record")
	}
	if got.Generation != 5 {
		t.Errorf("expected generation 5 to win, got %d", got.Generation)
	}
}

func TestFlattenMissingBucketIsBenignRace(t *testing.T) {
	s := newTestStore(t)
	idx := s.Index("ns", 99) // never created

	err := idx.Flatten(types.PickledRecord{Digest: types.Digest{1}, Generation: 1})
	if !errors.Is(err, ErrBenignRace) {
		t.Fatalf("expected ErrBenignRace, got %v", err)
	}
}

func TestCountEmptyPartition(t *testing.T) {
	s := newTestStore(t)
	s.CreatePartition("ns", 1)
	idx := s.Index("ns", 1)

	n, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestDropPartitionRemovesRecords(t *testing.T) {
	s := newTestStore(t)
	s.CreatePartition("ns", 1)
	idx := s.Index("ns", 1)
	idx.Flatten(types.PickledRecord{Digest: types.Digest{1}, Generation: 1})

	if err := s.DropPartition("ns", 1); err != nil {
		t.Fatalf("DropPartition: %v", err)
	}

	err := idx.Flatten(types.PickledRecord{Digest: types.Digest{2}, Generation: 1})
	if !errors.Is(err, ErrBenignRace) {
		t.Fatalf("expected ErrBenignRace after drop, got %v", err)
	}
}
