package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/kube9/pkg/types"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes = []byte("nodes")
	bucketPods  = []byte("pods")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kube9.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketPods} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a read-write transaction
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

// itob encodes ids big-endian so cursor order is ascending id order
func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func (t *boltTx) next(bucket []byte) (uint64, error) {
	id, err := t.tx.Bucket(bucket).NextSequence()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to allocate %s id", bucket)
	}
	return id, nil
}

func (t *boltTx) get(bucket []byte, id uint64, v interface{}) error {
	data := t.tx.Bucket(bucket).Get(itob(id))
	if data == nil {
		return fmt.Errorf("%s %d: %w", bucket, id, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (t *boltTx) put(bucket []byte, id uint64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucket).Put(itob(id), data)
}

func (t *boltTx) delete(bucket []byte, id uint64) error {
	return t.tx.Bucket(bucket).Delete(itob(id))
}

// Node operations
func (t *boltTx) NextNodeID() (uint64, error) {
	return t.next(bucketNodes)
}

func (t *boltTx) GetNode(id uint64) (*types.Node, error) {
	var node types.Node
	if err := t.get(bucketNodes, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (t *boltTx) GetNodeByName(name string) (*types.Node, error) {
	nodes, err := t.ListNodes()
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.Name == name {
			return node, nil
		}
	}
	return nil, fmt.Errorf("node %q: %w", name, ErrNotFound)
}

func (t *boltTx) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := t.tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		nodes = append(nodes, &node)
		return nil
	})
	return nodes, err
}

func (t *boltTx) PutNode(node *types.Node) error {
	return t.put(bucketNodes, node.ID, node)
}

func (t *boltTx) DeleteNode(id uint64) error {
	return t.delete(bucketNodes, id)
}

// Pod operations
func (t *boltTx) NextPodID() (uint64, error) {
	return t.next(bucketPods)
}

func (t *boltTx) GetPod(id uint64) (*types.Pod, error) {
	var pod types.Pod
	if err := t.get(bucketPods, id, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

func (t *boltTx) GetPodByName(name string) (*types.Pod, error) {
	pods, err := t.ListPods()
	if err != nil {
		return nil, err
	}
	for _, pod := range pods {
		if pod.Name == name {
			return pod, nil
		}
	}
	return nil, fmt.Errorf("pod %q: %w", name, ErrNotFound)
}

func (t *boltTx) ListPods() ([]*types.Pod, error) {
	var pods []*types.Pod
	err := t.tx.Bucket(bucketPods).ForEach(func(k, v []byte) error {
		var pod types.Pod
		if err := json.Unmarshal(v, &pod); err != nil {
			return err
		}
		pods = append(pods, &pod)
		return nil
	})
	return pods, err
}

func (t *boltTx) ListPodsByNode(nodeID uint64) ([]*types.Pod, error) {
	pods, err := t.ListPods()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Pod
	for _, pod := range pods {
		if pod.NodeID == nodeID {
			filtered = append(filtered, pod)
		}
	}
	return filtered, nil
}

func (t *boltTx) PutPod(pod *types.Pod) error {
	return t.put(bucketPods, pod.ID, pod)
}

func (t *boltTx) DeletePod(id uint64) error {
	return t.delete(bucketPods, id)
}
