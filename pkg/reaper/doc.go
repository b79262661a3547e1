// Package reaper implements the loop that retires permanently failed nodes.
//
// A node is reaped once it is permanently failed and no pod references it.
// Reaping stops the node's runtime resource and then marks the record removed,
// or deletes it when purge is enabled. A failed stop leaves the node in place
// for the next tick.
package reaper
