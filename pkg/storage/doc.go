/*
Package storage provides transactional persistence for kube9 cluster state.

The package defines the Store and Tx interfaces consumed by the manager and
two implementations: BoltStore, backed by an embedded BoltDB file, and
MemoryStore, an in-process store used by tests and ephemeral clusters.

# Architecture

	┌──────────────────── CLUSTER STATE STORE ──────────────────┐
	│                                                            │
	│  Store.View(fn)    read-only snapshot, concurrent          │
	│  Store.Update(fn)  serialized, all-or-nothing              │
	│                                                            │
	│  ┌──────────────────────┐   ┌──────────────────────┐      │
	│  │ BoltStore            │   │ MemoryStore          │      │
	│  │ <dataDir>/kube9.db   │   │ map[id]json          │      │
	│  │ bucket per kind      │   │ copy-on-commit       │      │
	│  └──────────────────────┘   └──────────────────────┘      │
	│                                                            │
	│  Buckets: nodes, pods                                      │
	│  Keys:    8-byte big-endian id (cursor order = id order)   │
	│  Values:  JSON                                             │
	└────────────────────────────────────────────────────────────┘

Ids are allocated from per-bucket sequences (NextNodeID, NextPodID) and are
never reused. Records returned from a transaction are decoded copies; mutating
them has no effect until they are written back with PutNode or PutPod inside
an Update.

# Usage

	store, err := storage.NewBoltStore("/var/lib/kube9")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Update(func(tx storage.Tx) error {
		node, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		node.CPUAvail -= 2
		return tx.PutNode(node)
	})

The store does not enforce cross-record invariants. Callers serialize
read-modify-write sequences per node through the manager's keyed locks and
validate with types.CheckConsistency.
*/
package storage
