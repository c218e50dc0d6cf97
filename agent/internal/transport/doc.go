// Package transport delivers one queued record to the collector.
//
// A delivery is a single multipart/form-data POST with two parts:
//
//	image     the blob bytes, filename = base name of the blob path
//	metadata  the result fields as JSON (application/json)
//
// Only HTTP 200 and 201 count as success. Every other outcome is returned
// as a *Failure whose Kind tells the caller what went wrong. The transport
// never retries; retry policy belongs to the sync orchestrator.
package transport
