// Package ingest stores messages reported by the bridge in the owning
// tenant's store.
//
// The bridge delivers webhooks at least once and in no particular order.
// Messages are deduplicated by external id, delivery statuses only move
// forward, and a conversation summary only moves to a newer message.
package ingest
