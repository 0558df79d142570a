// Package store provides the SQLite-backed durable local store.
//
// The store is partitioned into four collections:
//   - records: cached entities, keyed by (entity_type, entity_id)
//   - sync_queue: outstanding mutations, keyed by an AUTOINCREMENT id
//   - conflicts: detected divergences, keyed by a generated id
//   - meta: small key/value bookkeeping (last drain, counters)
//
// # Transactions
//
// Every access goes through Transaction or View, which declare the
// collections they touch. A multi-collection update (record plus queue
// item, or record plus conflict) commits atomically or not at all, so a
// crash can never leave a record clean while its queue item survives.
//
// # Errors
//
//   - Missing keys return ErrNotFound
//   - Lock contention, I/O faults and a closed database are
//     syncerr.CodeStorageUnavailable; the engine defers to the next drain
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as INTEGER unix nanoseconds so secondary indexes
// on updated_at and detected_at sort correctly.
package store
