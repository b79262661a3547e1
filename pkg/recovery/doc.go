/*
Package recovery implements the bounded node recovery loop.

Each tick walks the failed nodes in id order and makes one attempt per node:

	failed ──BeginRecovery──▶ recovering ──RestartResource──▶ (await heartbeat)
	   ▲                                         │
	   └──────────── restart error ──────────────┘

The attempt that reaches the limit is not restarted: the node goes
permanently_failed instead, which drains its pods synchronously. A heartbeat after a successful restart brings
the node back to healthy and resets its attempts.

The loop also re-runs rescheduling for permanently failed nodes that still
host pods, so a drain interrupted by an error or a restart completes on a
later tick.
*/
package recovery
