package storage

import (
	"errors"

	"github.com/cuemby/kube9/pkg/types"
)

// ErrNotFound is returned when a record lookup misses
var ErrNotFound = errors.New("not found")

// Tx is a view of cluster state inside a single transaction.
// Lists are ordered by ascending id.
type Tx interface {
	// Nodes
	NextNodeID() (uint64, error)
	GetNode(id uint64) (*types.Node, error)
	GetNodeByName(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	PutNode(node *types.Node) error
	DeleteNode(id uint64) error

	// Pods
	NextPodID() (uint64, error)
	GetPod(id uint64) (*types.Pod, error)
	GetPodByName(name string) (*types.Pod, error)
	ListPods() ([]*types.Pod, error)
	ListPodsByNode(nodeID uint64) ([]*types.Pod, error)
	PutPod(pod *types.Pod) error
	DeletePod(id uint64) error
}

// Store defines the interface for cluster state storage.
// Update transactions are serialized and all-or-nothing: if fn returns an
// error nothing it wrote is visible afterwards. Records returned from a
// transaction are copies owned by the caller.
type Store interface {
	View(fn func(tx Tx) error) error
	Update(fn func(tx Tx) error) error
	Close() error
}
