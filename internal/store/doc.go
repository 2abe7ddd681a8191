// Package store provides persistent storage for switchboard using SQLite.
//
// # Architecture
//
// Every tenant owns an isolated database file. SQLiteStore implements
// TenantStore for one such file; it is composed of narrower interfaces:
//
//   - ChannelStore: external network connections and their state
//   - ContactStore: external contacts and cross-org counterparts
//   - ConversationStore: conversations, participants and unread counters
//   - MessageStore: messages, de-duplication and mirror correlation
//   - AgentStore: platform users acting inside the tenant
//
// ControlStore is the one shared database. It holds the organization
// directory used for tenant routing and the jobs table backing the queue.
//
// # Invariants
//
// A partial unique index on conversations(organization_id, contact_id)
// restricted to pending and open rows guarantees at most one active
// conversation per contact. Because a tenant holds at most one counterpart
// contact per target organization, this also bounds cross-org conversations
// to one active mirror per organization pair. Writers look up before they
// create and treat ErrActiveConversationExists as "someone else won".
//
// # SQLite Configuration
//
// Each pooled connection is opened with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateMessage: External message id already stored
//   - ErrDuplicateContact: Remote jid or counterpart already stored
//   - ErrActiveConversationExists: Contact already has an active conversation
//   - ErrDuplicateJob: A live job holds the idempotency key
//
// All methods accept context.Context for cancellation support.
package store
