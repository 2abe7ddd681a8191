// Package channelstate keeps each channel's connection record in step with
// the bridge.
//
// # State machine
//
// Upstream states map to channel status:
//
//	open       -> connected
//	close      -> disconnected
//	connecting -> pending
//
// error is set by reconciliation when the bridge no longer knows the instance.
//
// A connection.update that repeats the stored state is a no-op. A downgrade
// away from open is confirmed against the bridge first and dropped if the
// bridge disagrees. If the confirmation call fails, the webhook is accepted.
// Entering connected enqueues one backfill job and, when an avatar is known,
// one avatar sync job, both under idempotency keys derived from the
// organization and channel.
//
// # Reconciliation
//
// Reconciler polls the bridge for every active channel of every active
// tenant and applies any drift through the same path as webhooks.
package channelstate
