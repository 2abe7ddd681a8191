// Package mirror keeps the two halves of a cross-organization conversation in
// step.
//
// Each tenant sees the other organization as a counterpart contact whose
// origin names the other tenant. A message written on one side is copied into
// the other side's active conversation with that contact, tagged with the
// source message id. That id is the key for later edits, deletes and
// duplicate deliveries.
//
// At most one active conversation per counterpart exists on each side. The
// service looks before it creates; a partial unique index on the contact's
// open or pending conversations catches concurrent first contacts, and the
// loser re-reads and continues in the winner's conversation.
package mirror
