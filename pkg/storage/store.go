// Package storage implements the per-partition record index the migration
// engine streams from and merges into: one bbolt bucket per (namespace,
// partition) pair, keyed by record digest, holding pickled records.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/keyspacedb/keyspace/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// ErrBenignRace is returned by Flatten when the partition bucket a record
// targets was concurrently torn down (e.g. by partition eviction) between
// admission and write. The migration engine treats this identically to a
// successful merge and still ACKs the insert.
var ErrBenignRace = errors.New("storage: partition bucket disappeared mid-merge")

// Store is a bbolt-backed record store shared by every partition this node
// holds a replica of.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if absent) the record database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "records.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func bucketName(ns types.Namespace, pid types.PartitionID) []byte {
	return []byte(fmt.Sprintf("%s/%d", ns, pid))
}

// CreatePartition creates the backing bucket for a partition. Called when a
// partition transitions ABSENT→DESYNC (a fresh immigration target) or
// ABSENT→SYNC (an empty partition assigned locally).
func (s *Store) CreatePartition(ns types.Namespace, pid types.PartitionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName(ns, pid))
		return err
	})
}

// DropPartition removes a partition's bucket and all its records. Called
// once a ZOMBIE copy is reaped after the new owner confirms SYNC.
func (s *Store) DropPartition(ns types.Namespace, pid types.PartitionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(ns, pid)
		if tx.Bucket(name) == nil {
			return nil
		}
		return tx.DeleteBucket(name)
	})
}

// Index returns the record index for one partition.
func (s *Store) Index(ns types.Namespace, pid types.PartitionID) *Index {
	return &Index{store: s, ns: ns, pid: pid}
}

// Index is a per-partition view over the record store: the "tree" spec.md
// refers to when describing emigration snapshotting and immigration merge.
type Index struct {
	store *Store
	ns    types.Namespace
	pid   types.PartitionID
}

// Reduce iterates every record currently in the partition, invoking fn once
// per record. Iteration runs under a single read transaction — bbolt commits
// to a consistent snapshot at transaction start, which stands in for
// spec.md's "release index locks per entry as it is pickled": the caller
// never blocks writers while streaming.
func (idx *Index) Reduce(fn func(types.PickledRecord) error) error {
	return idx.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(idx.ns, idx.pid))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var pr types.PickledRecord
			if err := json.Unmarshal(v, &pr); err != nil {
				return fmt.Errorf("decode pickled record: %w", err)
			}
			return fn(pr)
		})
	})
}

// Snapshot copies every record in the partition into a slice under a single
// read transaction, then returns once that transaction has closed. Unlike
// Reduce, the caller's per-record work runs after Snapshot returns rather
// than inside the transaction — use this instead of Reduce whenever the
// per-record work can block for longer than a bbolt read transaction should
// be held open (e.g. streaming records over the network), per spec.md
// §4.1's snapshot-then-send design.
func (idx *Index) Snapshot() ([]types.PickledRecord, error) {
	var records []types.PickledRecord
	err := idx.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(idx.ns, idx.pid))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var pr types.PickledRecord
			if err := json.Unmarshal(v, &pr); err != nil {
				return fmt.Errorf("decode pickled record: %w", err)
			}
			records = append(records, pr)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of records currently in the partition, used by
// the scheduler's reduce-pop to prefer smaller migrations.
func (idx *Index) Count() (int, error) {
	n := 0
	err := idx.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(idx.ns, idx.pid))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Flatten merges an inbound pickled record into the partition, per spec.md
// §4.2/§8: the record is written only if it is newer than any local copy
// under (generation, void-time) winner rules; an older or equal record is a
// silent no-op, not an error — both are ACKed by the immigration handler.
func (idx *Index) Flatten(pr types.PickledRecord) error {
	return idx.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(idx.ns, idx.pid))
		if b == nil {
			// The partition bucket was torn down between admission and
			// this merge (e.g. a concurrent DropPartition). Spec.md's
			// "get_create failed" benign race.
			return ErrBenignRace
		}

		key := pr.Digest[:]
		existing := b.Get(key)
		if existing != nil {
			var cur types.PickledRecord
			if err := json.Unmarshal(existing, &cur); err != nil {
				return fmt.Errorf("decode existing record: %w", err)
			}
			if !isNewer(pr, cur) {
				return nil
			}
		}

		data, err := json.Marshal(pr)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return b.Put(key, data)
	})
}

// isNewer reports whether candidate should replace current under the
// generation/void-time winner rule: higher generation wins; on a tie, the
// later void-time (a renewed TTL) wins.
func isNewer(candidate, current types.PickledRecord) bool {
	if candidate.Generation != current.Generation {
		return candidate.Generation > current.Generation
	}
	return candidate.VoidTime > current.VoidTime
}
