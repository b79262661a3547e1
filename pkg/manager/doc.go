/*
Package manager implements the kube9 control plane core.

The Manager owns every node and pod record. The HTTP API, the bootstrap
manifest and the control loops (monitor, recovery, reaper) all mutate cluster
state through its methods; nothing else writes to the store.

# Architecture

	┌──────────── API / bootstrap / loops ────────────┐
	│                                                  │
	│   RegisterNode  ProcessHeartbeat  PlacePod       │
	│   MarkFailed    BeginRecovery     Reschedule     │
	│   ReapNode      ForceFail         ForceCleanup   │
	└───────────────────────┬──────────────────────────┘
	                        │
	┌───────────────────────▼──────────────────────────┐
	│                    Manager                        │
	│  keyed locks (pod/<id>, node/<id>)                │
	│  one store transaction per decision               │
	│  bookkeeping check before every commit            │
	└──────┬─────────────────┬───────────────┬──────────┘
	       │                 │               │
	  storage.Store    runtime.Driver   events.Broker

# Node lifecycle

	initializing ──heartbeat──▶ healthy ◀──heartbeat── recovering
	      │                       │                      ▲   │
	      └──────stale/dead───────┴──▶ failed ───────────┘   │
	                                     ▲    restart error  │
	                                     └───────────────────┘
	failed (attempts exhausted) ──▶ permanently_failed ──reap──▶ removed

Entering permanently_failed reschedules the node's pods synchronously.

# Locking

Multi-key operations lock pod keys in ascending id, then node keys in
ascending id. Runtime driver calls are never made while a key is held;
decisions that depend on a driver result re-read the record under the lock
and drop the decision when the record moved on.

# Usage

	mgr, err := manager.NewManager(manager.Config{
		Store:    storage.NewMemoryStore(),
		Driver:   runtime.NewSimDriver(),
		Broker:   events.NewBroker(),
		Settings: manager.DefaultSettings(),
	})
	if err != nil {
		return err
	}

	node, err := mgr.RegisterNode(ctx, types.NodeSpec{Name: "worker-1", CPUTotal: 4})
	...
	pod, err := mgr.PlacePod(ctx, types.PodSpec{Name: "web", CPUReq: 2})
*/
package manager
