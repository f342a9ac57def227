// Package record defines the ledger's data model: prediction and result
// records, their composite keys, and the canonical JSON encoding used to
// store them.
//
// This package contains types and pure functions only. Every other internal
// package may import record; record imports nothing internal except fault.
//
// Key design constraints:
//   - Money is int64 yen, never float.
//   - Dates are "YYYY-MM-DD" strings in the configured time zone.
//   - Record keys embed the event id, so (subject_id, record_key) identifies
//     exactly one prediction or result per event.
//   - All JSON tags use snake_case.
package record
