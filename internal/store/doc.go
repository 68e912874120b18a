// Package store provides SQLite-backed durable storage for processing records
// and the failed-request ledger.
//
// # Processing records
//
// Records are append-only. Every status change writes a new row with the next
// version for its (operation, identity) key; the current record is the one
// with the highest version. Each row also gets a global seq from SQLite's
// AUTOINCREMENT, and the rows ordered by seq form the change feed that drives
// the dispatcher. Rows are never updated or deleted.
//
// # Failed-request ledger
//
// The ledger is a point index of requests whose last outcome was FAILED and
// that have not been CLOSED since. It is maintained by the dispatcher, not by
// the writers of records: insert treats an existing entry as already applied
// and delete treats a missing entry the same way. UnresolvedFailures derives
// the same membership from record history for comparison.
//
// # Ordering
//
//   - All record queries order by seq or version, never by timestamps
//   - Ledger listings order by key with COLLATE BINARY
//   - Empty results are empty slices, not nil
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One open connection, shared with the durable runtime via DB()
package store
