package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/kube9/pkg/types"
)

// ErrReadOnly is returned when a View transaction attempts a write
var ErrReadOnly = errors.New("transaction is read-only")

// MemoryStore implements Store in memory. Records are held JSON-encoded so
// callers never share memory with the store, matching BoltStore semantics.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	nodes   map[uint64][]byte
	pods    map[uint64][]byte
	nodeSeq uint64
	podSeq  uint64
}

func (s memState) clone() memState {
	c := memState{
		nodes:   make(map[uint64][]byte, len(s.nodes)),
		pods:    make(map[uint64][]byte, len(s.pods)),
		nodeSeq: s.nodeSeq,
		podSeq:  s.podSeq,
	}
	for k, v := range s.nodes {
		c.nodes[k] = v
	}
	for k, v := range s.pods {
		c.pods[k] = v
	}
	return c
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			nodes: make(map[uint64][]byte),
			pods:  make(map[uint64][]byte),
		},
	}
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// View runs fn against the committed state
func (s *MemoryStore) View(fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{state: &s.state, readOnly: true})
}

// Update runs fn against a private copy and commits it only when fn succeeds
func (s *MemoryStore) Update(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&memTx{state: &staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

type memTx struct {
	state    *memState
	readOnly bool
}

func sortedKeys(m map[uint64][]byte) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) NextNodeID() (uint64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	t.state.nodeSeq++
	return t.state.nodeSeq, nil
}

func (t *memTx) GetNode(id uint64) (*types.Node, error) {
	data, ok := t.state.nodes[id]
	if !ok {
		return nil, fmt.Errorf("nodes %d: %w", id, ErrNotFound)
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (t *memTx) GetNodeByName(name string) (*types.Node, error) {
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

func (t *memTx) ListNodes() ([]*types.Node, error) {
	nodes := make([]*types.Node, 0, len(t.state.nodes))
	for _, id := range sortedKeys(t.state.nodes) {
		node, err := t.GetNode(id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (t *memTx) PutNode(node *types.Node) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	t.state.nodes[node.ID] = data
	return nil
}

func (t *memTx) DeleteNode(id uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.nodes, id)
	return nil
}

func (t *memTx) NextPodID() (uint64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	t.state.podSeq++
	return t.state.podSeq, nil
}

func (t *memTx) GetPod(id uint64) (*types.Pod, error) {
	data, ok := t.state.pods[id]
	if !ok {
		return nil, fmt.Errorf("pods %d: %w", id, ErrNotFound)
	}
	var pod types.Pod
	if err := json.Unmarshal(data, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

func (t *memTx) GetPodByName(name string) (*types.Pod, error) {
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

func (t *memTx) ListPods() ([]*types.Pod, error) {
	pods := make([]*types.Pod, 0, len(t.state.pods))
	for _, id := range sortedKeys(t.state.pods) {
		pod, err := t.GetPod(id)
		if err != nil {
			return nil, err
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

func (t *memTx) ListPodsByNode(nodeID uint64) ([]*types.Pod, error) {
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

func (t *memTx) PutPod(pod *types.Pod) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(pod)
	if err != nil {
		return err
	}
	t.state.pods[pod.ID] = data
	return nil
}

func (t *memTx) DeletePod(id uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.pods, id)
	return nil
}
