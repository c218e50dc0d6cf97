// Package syncer drains the record queue to the collector.
//
// An Orchestrator runs at most one sync pass at a time. A trigger that
// arrives while a pass is running is dropped, not queued; the next trigger
// picks up whatever is left. Triggers:
//
//	connectivity  collector became reachable (auto-sync only)
//	startup       collector reachable at process start (auto-sync only)
//	enqueue       new record while reachable (auto-sync only)
//	timer         periodic, when sync.interval > 0 (auto-sync only)
//	manual        explicit request; ignores the auto-sync preference
//
// A pass attempts pending records and failed records below the retry cap in
// capture order, in batches processed sequentially. A success deletes the
// record. A failure increments its retry count and returns it to pending,
// or marks it failed once the cap is reached.
//
// Delivery is at-least-once. If the collector accepts an upload but the
// local delete then fails, the record is attempted again on a later pass
// and the collector sees a duplicate.
package syncer
