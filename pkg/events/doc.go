/*
Package events provides an in-memory event broker for kube9 lifecycle events.

The manager publishes an Event on every node and pod transition
(registration, failure, recovery, permanent failure, reaping, placement,
rescheduling, deletion). The API streams them to clients over server-sent
events.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────┐
	│                                                        │
	│  Publish ──▶ queue (100) ──▶ broadcast loop           │
	│                                   │                    │
	│                     ┌─────────────┼─────────────┐      │
	│                     ▼             ▼             ▼      │
	│                 sub (50)      sub (50)      sub (50)   │
	└────────────────────────────────────────────────────────┘

Publish never blocks. The manager publishes after it has released its locks,
and a full queue or a slow subscriber drops events rather than stalling a
control loop. Dropped returns the number of events lost at the queue.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Message)
	}

Event ids are random UUIDs.
*/
package events
