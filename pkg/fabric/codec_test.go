package fabric

import (
	"bytes"
	"testing"

	"github.com/keyspacedb/keyspace/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	digest := types.Digest{1, 2, 3}
	props := types.RecordProps{"ttl-policy": []byte("sticky")}

	m := &Message{Op: OpInsert}
	m.SetEmigID(42).
		SetInsertID(7).
		SetNamespace("ns").
		SetPartition(3).
		SetDigest(digest).
		SetGeneration(5).
		SetVoidTime(1000).
		SetRecord([]byte("hello")).
		SetRecProps(props).
		SetClusterKey(99).
		SetInfo(InfoIsSubRec)

	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Op != m.Op {
		t.Errorf("Op = %v, want %v", got.Op, m.Op)
	}
	if got.EmigID != 42 {
		t.Errorf("EmigID = %d, want 42", got.EmigID)
	}
	if got.InsertID != 7 {
		t.Errorf("InsertID = %d, want 7", got.InsertID)
	}
	if got.Namespace != "ns" {
		t.Errorf("Namespace = %q, want ns", got.Namespace)
	}
	if got.Partition != 3 {
		t.Errorf("Partition = %d, want 3", got.Partition)
	}
	if got.Digest != digest {
		t.Errorf("Digest mismatch")
	}
	if got.Generation != 5 {
		t.Errorf("Generation = %d, want 5", got.Generation)
	}
	if got.VoidTime != 1000 {
		t.Errorf("VoidTime = %d, want 1000", got.VoidTime)
	}
	if string(got.Record) != "hello" {
		t.Errorf("Record = %q, want hello", got.Record)
	}
	if string(got.RecProps["ttl-policy"]) != "sticky" {
		t.Errorf("RecProps mismatch: %v", got.RecProps)
	}
	if got.ClusterKey != 99 {
		t.Errorf("ClusterKey = %d, want 99", got.ClusterKey)
	}
	if !got.HasInfo(InfoIsSubRec) {
		t.Errorf("expected IsSubRec info bit set")
	}
}

func TestEncodeDecodeOmitsAbsentFields(t *testing.T) {
	m := &Message{Op: OpStart}
	m.SetEmigID(1).SetClusterKey(7)

	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.present&hasNamespace != 0 {
		t.Error("expected namespace to be absent")
	}
	if got.present&hasRecord != 0 {
		t.Error("expected record to be absent")
	}
}

func TestDecodeLegacyCancelOpcode(t *testing.T) {
	m := &Message{Op: OpCancel}
	m.SetEmigID(1)

	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Op != OpCancel {
		t.Errorf("Op = %v, want OpCancel", got.Op)
	}
}

func TestMultipleFramesOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	for i := uint32(0); i < 3; i++ {
		m := &Message{Op: OpInsert}
		m.SetInsertID(i)
		if err := Encode(&buf, m); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}

	for i := uint32(0); i < 3; i++ {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if got.InsertID != i {
			t.Errorf("frame %d: InsertID = %d, want %d", i, got.InsertID, i)
		}
	}
}
