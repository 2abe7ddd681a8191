// Package eventbus carries domain events between processes on a fixed set of
// named channels.
//
// # Transports
//
//   - RedisBus: PUBLISH/SUBSCRIBE. Subscriptions are supervised and
//     re-established on every receive error.
//   - AMQPBus: a durable topic exchange with one exclusive queue per subscriber.
//   - MemoryBus: in-process fan-out for tests and single-process deployments.
//
// Events are opaque JSON to the transports. Each carries a type discriminator
// and the routing fields the realtime gateway needs (organizationId,
// targetAgentId, chatId).
package eventbus
