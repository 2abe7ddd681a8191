// Package jobs runs one-shot background work such as channel history
// backfill and avatar sync.
//
// Jobs live in the control database. An idempotency key blocks a second job
// only while the first is pending or running, so re-processing the same event
// cannot double-enqueue, yet a later transition can schedule fresh work.
package jobs
