// Package store provides SQLite-backed durable state for the orchestrator.
//
// The store holds:
//   - Runs: one row per run, with status, tags and run key
//   - Asset results: the ordered per-asset outcomes of each run
//   - Sensor cursors: one string per sensor name
//   - Schedule ticks: last fired instant per schedule
//
// # Run key deduplication
//
// CreateRun checks for an existing run with the same run key inside one
// transaction. Any run that is not FAILED and was created inside the
// retention window blocks a new run; the existing run is returned instead.
// A FAILED run does not block, so a failed trigger event can be retried.
//
// # Ordering
//
// Asset results carry a per-run seq assigned at insert time and are always
// read ORDER BY seq ASC. Run listings are ORDER BY created_at DESC, id DESC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - one open connection: all writes are serialized
//
// Timestamps are stored as INTEGER unix nanoseconds (UTC).
package store
