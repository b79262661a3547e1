/*
Package log provides structured logging for kube9 using zerolog.

A single global Logger is configured once by Init from the serve command and
then specialised per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("monitor")
	logger.Warn().Uint64("node_id", id).Dur("since", d).Msg("Heartbeat missed")

WithNodeID and WithPodID attach the identifiers used throughout the control
loops so that a node's full history can be filtered out of the stream. Until
Init is called the logger discards everything, which keeps package tests quiet.
*/
package log
