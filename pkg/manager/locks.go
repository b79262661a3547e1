package manager

import (
	"sort"
	"strconv"

	"github.com/moby/locker"
)

// keyLocks serializes read-modify-write sequences per pod and per node.
//
// Lock order is fixed: pod keys in ascending id, then node keys in ascending
// id. Every path that needs more than one key goes through acquire, so two
// operations can never wait on each other in a cycle. No runtime call is made
// while any key is held.
type keyLocks struct {
	l *locker.Locker
}

func newKeyLocks() *keyLocks {
	return &keyLocks{l: locker.New()}
}

func podKey(id uint64) string {
	return "pod/" + strconv.FormatUint(id, 10)
}

func nodeKey(id uint64) string {
	return "node/" + strconv.FormatUint(id, 10)
}

// sortedUnique returns ids ascending with zeros and duplicates removed
func sortedUnique(ids []uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}

// acquire locks the given pods and nodes in global order and returns the
// release function. Zero ids are ignored.
func (k *keyLocks) acquire(podIDs, nodeIDs []uint64) func() {
	var keys []string
	for _, id := range sortedUnique(podIDs) {
		keys = append(keys, podKey(id))
	}
	for _, id := range sortedUnique(nodeIDs) {
		keys = append(keys, nodeKey(id))
	}

	for _, key := range keys {
		k.l.Lock(key)
	}
	return func() {
		for i := len(keys) - 1; i >= 0; i-- {
			_ = k.l.Unlock(keys[i])
		}
	}
}

// node locks a single node
func (k *keyLocks) node(id uint64) func() {
	return k.acquire(nil, []uint64{id})
}

// pod locks a single pod
func (k *keyLocks) pod(id uint64) func() {
	return k.acquire([]uint64{id}, nil)
}
