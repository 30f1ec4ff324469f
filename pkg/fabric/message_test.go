package fabric

import "testing"

func TestAllocPutReturnsToPool(t *testing.T) {
	m := Alloc(OpStart)
	if m.refs.Load() != 1 {
		t.Fatalf("expected refcount 1 after Alloc, got %d", m.refs.Load())
	}
	m.Put()
	if m.refs.Load() != 0 {
		t.Fatalf("expected refcount 0 after Put, got %d", m.refs.Load())
	}
}

func TestTakeAddsReference(t *testing.T) {
	m := Alloc(OpInsert)
	m.Take()
	if m.refs.Load() != 2 {
		t.Fatalf("expected refcount 2 after Take, got %d", m.refs.Load())
	}
	m.Put()
	if m.refs.Load() != 1 {
		t.Fatalf("expected refcount 1 after one Put, got %d", m.refs.Load())
	}
	m.Put()
	if m.refs.Load() != 0 {
		t.Fatalf("expected refcount 0 after second Put, got %d", m.refs.Load())
	}
}

func TestAllocResetsFields(t *testing.T) {
	m := Alloc(OpInsert)
	m.SetEmigID(5).SetNamespace("ns")
	m.Put()

	m2 := Alloc(OpDone)
	if m2.present&hasEmigID != 0 {
		t.Error("expected Alloc to reset present bitmask")
	}
	if m2.Namespace != "" {
		t.Errorf("expected Alloc to clear Namespace, got %q", m2.Namespace)
	}
}
