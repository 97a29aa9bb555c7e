// Package store provides persistence for the conversation handoff subsystem.
//
// # Data model
//
// Two core tables back the subsystem:
//
//   - conversations: one row per visitor chat session, scoped to a property.
//     The mode column is the single source of truth for whether the automated
//     assistant or a human operator answers next.
//   - messages: append-only log. Every message carries a per-conversation seq
//     assigned by the store; seq is the ordering authority and is strictly
//     increasing across visitor, assistant, and system messages alike.
//
// Supporting tables (properties, leads) back the directory collaborators used
// for system-message display text and optional visitor identity.
//
// # Ordering
//
// AppendMessage computes the next seq inside the INSERT statement itself and
// a UNIQUE (conversation_id, seq) index rejects any out-of-order write, so no
// two messages in a conversation ever compare equal and clients never need to
// reorder.
//
// # Consistency
//
// GetSession reads the conversation row and its messages inside a single
// read-only transaction, so reconnecting clients always observe mode and
// history from the same instant.
//
// # Implementation
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL mode,
// foreign keys, idempotent schema creation and column migrations). The Store
// and DirectoryStore interfaces let tests and callers substitute fakes.
package store
