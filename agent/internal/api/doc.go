// Package api implements the agent's local control HTTP API.
//
// Routes:
//
//	GET  /api/v1/health      liveness
//	GET  /api/v1/status      pending count, syncing, auto-sync, connectivity, last pass
//	POST /api/v1/sync        run a manual pass (409 while one is running)
//	GET  /api/v1/autosync    read the auto-sync preference
//	PUT  /api/v1/autosync    set it: {"enabled": bool}
//	GET  /api/v1/records     list queued records, optional ?status=
//	POST /api/v1/records     enqueue: multipart image + metadata
//	GET  /api/v1/failures    recently exhausted records, optional ?limit=
//
// The API is meant to bind to loopback; it has no authentication of its own.
package api
