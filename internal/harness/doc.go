// Package harness runs pipeline scenarios against the real run engine.
//
// A scenario declares a small asset graph, scripts the outcome of every
// source load and model build, materializes jobs, and asserts on the
// resulting runs. The engine, store and definitions are the production
// ones; only the loader, the build tool, the clock and the run ID generator
// are replaced by deterministic fakes from internal/testutil.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	assets:
//	  - key: raw/transactions
//	    kind: ingestion
//	    source: data/creditcard.csv
//	    table: transactions
//	  - key: model_a
//	    deps: [raw/transactions]
//	jobs:
//	  - name: pipeline
//	setup:
//	  sources:
//	    data/creditcard.csv: { rows: 200, bytes: 4096 }
//	  build:
//	    model_a: { status: failure, message: "column not found" }
//	flow:
//	  - materialize: pipeline
//	    run_key: nightly
//	    expect: { status: FAILED }
//	assertions:
//	  - type: asset_status
//	    asset: model_a
//	    status: FAILURE
//
// Asset keys use the "/" separated form. Assets default to the
// transformation kind; a job without select covers the whole graph. A
// source without a setup entry does not exist, so its load fails. A model
// without a build entry succeeds. build_exit makes the build tool exit with
// an error after it has reported "after" events:
//
//	setup:
//	  build_exit: { error: "dbt exited with code 1", after: 2 }
//
// # Assertion Types
//
//   - run_status: the run of a flow step ended with status
//   - asset_status: the run of a flow step recorded asset with status
//   - no_result: the run of a flow step recorded nothing for asset
//   - trace_order: assets first appear in the trace in the given order
//   - run_count: the store holds exactly count runs
//   - build_count: the build tool was invoked exactly count times
//
// Step-scoped assertions take a 1-based step; zero means the last step.
//
// # Golden Traces
//
// RunWithGolden compares the trace against testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
