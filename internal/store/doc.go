// Package store provides SQLite-backed durable storage for ledger records
// and one-shot triggers.
//
// It implements two contracts:
//   - ledger.Store: a key-value table keyed by (subject_id, record_key)
//   - trigger.Store: the trigger table the Trigger Manager and dispatcher use
//
// # Critical Patterns
//
// Conditional writes
//   - PutIfAbsent is INSERT ... ON CONFLICT DO NOTHING plus RowsAffected
//   - Zero rows affected is reported as fault ALREADY_EXISTS
//
// One trigger per event
//   - UNIQUE(namespace, event_id); arming twice upserts the same row
//
// At-least-once delivery
//   - Leasing moves a trigger to "leased" with an expiry; an expired lease
//     is due again, so a crashed worker never loses a trigger
//
// Deterministic ordering
//   - Record scans ORDER BY record_key COLLATE BINARY
//   - Trigger scans ORDER BY fire_at, id
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
