// Package queue provides the SQLite-backed durable record store for queued
// screening results.
//
// A record is a blob (the captured image, stored as a file under the blob
// directory) plus its result metadata and delivery state. The store owns the
// lifecycle of the blob reference: it is released when the record is deleted.
//
// # State machine
//
//	pending ──► uploading ──► uploaded (deleted in the same transaction)
//	   ▲            │
//	   └────────────┤
//	                ▼
//	             failed ──► uploading (only while retry_count < cap)
//
// UpdateStatus enforces these transitions and rejects a retry_count that
// would decrease. RecoverInterrupted resets uploading rows to pending; it is
// the only writer allowed to leave the graph above, since uploading can only
// survive a restart as a crash artifact.
//
// # Ordering
//
// ListByStatus returns records by capture timestamp ascending, then insertion
// order, so early failures are not starved by newer submissions.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - a single open connection, which serializes every writer; status
//     read-check-write runs inside one transaction
package queue
