// Package results defines the pipeline state model and the output stores that
// keep per-document state snapshots and final processing results.
//
// Status enumerates the twelve pipeline states and owns the transition rules:
// states only move forward through the fixed stage order, and
// PROCESSING_COMPLETE and FAILED are absorbing. Results are immutable once
// persisted; Persist refuses to overwrite an existing record.
//
// Three stores implement the same interfaces: SQLiteStore (the daemon
// default), MemoryStore (tests and ephemeral runs), and FirestoreStore.
package results
