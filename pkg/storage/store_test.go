package storage

import (
	"errors"
	"testing"

	"github.com/cuemby/kube9/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every Store implementation under test
func stores(t *testing.T) map[string]Store {
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Store{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}
}

func TestStoreNodeLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var id uint64
			err := store.Update(func(tx Tx) error {
				var err error
				id, err = tx.NextNodeID()
				if err != nil {
					return err
				}
				return tx.PutNode(&types.Node{
					ID:           id,
					Name:         "worker-1",
					Type:         types.NodeTypeWorker,
					CPUTotal:     4,
					CPUAvail:     4,
					HealthStatus: types.HealthInitializing,
				})
			})
			require.NoError(t, err)
			assert.Equal(t, uint64(1), id)

			err = store.View(func(tx Tx) error {
				node, err := tx.GetNode(id)
				require.NoError(t, err)
				assert.Equal(t, "worker-1", node.Name)

				byName, err := tx.GetNodeByName("worker-1")
				require.NoError(t, err)
				assert.Equal(t, id, byName.ID)

				_, err = tx.GetNode(99)
				assert.True(t, errors.Is(err, ErrNotFound))
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, store.Update(func(tx Tx) error { return tx.DeleteNode(id) }))
			err = store.View(func(tx Tx) error {
				_, err := tx.GetNode(id)
				return err
			})
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStoreUpdateRollsBackOnError(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("boom")
			err := store.Update(func(tx Tx) error {
				id, err := tx.NextPodID()
				if err != nil {
					return err
				}
				if err := tx.PutPod(&types.Pod{ID: id, Name: "web", CPUReq: 1}); err != nil {
					return err
				}
				return boom
			})
			assert.Equal(t, boom, err)

			err = store.View(func(tx Tx) error {
				pods, err := tx.ListPods()
				require.NoError(t, err)
				assert.Empty(t, pods)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStoreListOrderAndFilter(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Update(func(tx Tx) error {
				for i := 0; i < 5; i++ {
					id, err := tx.NextPodID()
					if err != nil {
						return err
					}
					nodeID := uint64(1)
					if i%2 == 1 {
						nodeID = 2
					}
					if err := tx.PutPod(&types.Pod{ID: id, CPUReq: 1, NodeID: nodeID}); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(t, err)

			err = store.View(func(tx Tx) error {
				pods, err := tx.ListPods()
				require.NoError(t, err)
				require.Len(t, pods, 5)
				for i, pod := range pods {
					assert.Equal(t, uint64(i+1), pod.ID)
				}

				onTwo, err := tx.ListPodsByNode(2)
				require.NoError(t, err)
				require.Len(t, onTwo, 2)
				assert.Equal(t, uint64(2), onTwo[0].ID)
				assert.Equal(t, uint64(4), onTwo[1].ID)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Update(func(tx Tx) error {
				return tx.PutNode(&types.Node{ID: 1, Name: "n", PodIDs: []uint64{1}})
			}))

			var first *types.Node
			require.NoError(t, store.View(func(tx Tx) error {
				var err error
				first, err = tx.GetNode(1)
				return err
			}))
			first.PodIDs = append(first.PodIDs, 2)

			require.NoError(t, store.View(func(tx Tx) error {
				again, err := tx.GetNode(1)
				require.NoError(t, err)
				assert.Equal(t, []uint64{1}, again.PodIDs)
				return nil
			}))
		})
	}
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	store := NewMemoryStore()
	err := store.View(func(tx Tx) error {
		return tx.PutNode(&types.Node{ID: 1})
	})
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestBoltStoreSequencesSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(tx Tx) error {
		_, err := tx.NextNodeID()
		return err
	}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Update(func(tx Tx) error {
		id, err := tx.NextNodeID()
		assert.Equal(t, uint64(2), id)
		return err
	}))
}
