// Package engine executes runs of jobs.
//
// ARCHITECTURE:
//
// Submission and execution are decoupled. Submit writes a QUEUED run to the
// store and pushes its ID onto an in-memory FIFO; Run drains the FIFO and
// executes runs on worker goroutines, at most WithMaxConcurrentRuns at once.
// Triggers only ever submit, so a slow run never delays the next trigger
// evaluation.
//
// Run lifecycle:
//
//	QUEUED → STARTED → SUCCEEDED | FAILED
//
// Every transition is a conditional store update on the expected current
// status. A terminal run is never reopened and a run cannot be started twice.
//
// Execution of one run:
//  1. Resolve the job to a topological order, with upstream closure.
//  2. Load every ingestion asset through the ingest.Loader (full refresh).
//  3. Hand every remaining transformation asset to the BuildTool in one call
//     and consume its event stream once, in order.
//  4. SUCCEEDED if no asset result is FAILURE, else FAILED.
//
// A FAILURE blocks the failed asset's downstream closure for the rest of the
// run. Blocked assets produce no asset result. Assets outside that closure
// still run.
//
// DEDUPLICATION:
//
// A non-empty run key is a deduplication token. While a run with the key
// exists that is not FAILED (inside the retention window), Submit returns
// that run instead of creating another. The check and the insert happen in
// one store transaction.
//
// The engine performs no retries. Re-running a job is safe because loads are
// full refreshes; the engine itself never repeats a load within a run.
package engine
