// Package netwatch observes reachability of the collector and publishes
// state changes to subscribers.
//
// An Observer combines two sources of readings: its own periodic probe
// (Run) and readings pushed in by the platform (Report). Readings pass
// through a debouncer; only a change of the published state is broadcast.
// Identical consecutive readings never produce an edge.
//
// Subscribers receive edges on a buffered channel of depth one. When a
// subscriber falls behind, the older undelivered edge is replaced by the
// newer one, so the latest state is always the one seen.
//
// Probe modes:
//
//	tcp   dial host:port
//	tls   TLS handshake, leaf certificate must not be expired
//	http  GET target, any 2xx is reachable
//	grpc  grpc.health.v1.Health/Check returns SERVING
package netwatch
