package cluster

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/keyspacedb/keyspace/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes = []byte("nodes")
	bucketCA    = []byte("ca")
)

// nodeStore persists cluster membership (the set of known nodes) and the
// root certificate authority material to a local BoltDB file. It is
// intentionally narrow — partition and record data live in pkg/storage,
// not here.
type nodeStore struct {
	db *bolt.DB
}

func newNodeStore(dataDir string) (*nodeStore, error) {
	dbPath := filepath.Join(dataDir, "cluster.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cluster store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketCA} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &nodeStore{db: db}, nil
}

func (s *nodeStore) Close() error {
	return s.db.Close()
}

func (s *nodeStore) PutNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
	})
}

func (s *nodeStore) GetNode(id types.NodeID) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node not found: %s", id)
		}
		return json.Unmarshal(data, &node)
	})
	return &node, err
}

func (s *nodeStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *nodeStore) DeleteNode(id types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

func (s *nodeStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte("root"), data)
	})
}

func (s *nodeStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte("root"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
