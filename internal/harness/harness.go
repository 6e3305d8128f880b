package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/definitions"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/testutil"
)

// Harness executes one scenario. It owns a fresh store and fresh fakes.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	clock   *testutil.FakeClock
	loader  *testutil.FakeLoader
	builder *testutil.FakeBuildTool
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Run IDs come from
// testutil.SequentialIDs and time from a fake clock, so the trace is the same
// on every execution.
//
// Execution flow:
//  1. Build definitions from the declared assets and jobs
//  2. Script the fake loader and build tool from setup
//  3. Materialize each flow step and check its expect clause
//  4. Evaluate assertions
//
// A returned error means the scenario itself could not execute. Failed
// expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	defs, err := buildDefinitions(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to build definitions: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}

	h := &Harness{
		store:   st,
		clock:   testutil.NewFakeClock(start),
		loader:  testutil.NewFakeLoader(),
		builder: testutil.NewFakeBuildTool(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.engine = engine.New(st, defs, h.loader, h.builder,
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("run")),
		engine.WithLogger(h.logger),
	)

	h.applySetup(&scenario.Setup)

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	all, err := st.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	result.TotalRuns = len(all)
	result.BuildCalls = len(h.builder.Calls())

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// applySetup scripts the fakes. Keys were validated when the scenario loaded.
func (h *Harness) applySetup(setup *Setup) {
	for path, src := range setup.Sources {
		if src.Error != "" {
			h.loader.Fail(path, errors.New(src.Error))
			continue
		}
		h.loader.SetSource(path, src.Rows, src.Bytes)
	}
	for key, b := range setup.Build {
		h.builder.SetResult(mustParseKey(key), engine.BuildStatus(b.Status), b.Message)
	}
	if e := setup.BuildExit; e != nil {
		h.builder.StreamErr = errors.New(e.Error)
		h.builder.StreamErrAfter = e.After
	}
}

// executeFlow materializes each step on the calling goroutine.
//
// A step whose run ID was already seen earlier in the flow was deduplicated
// by run key: the engine handed back the existing run.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	seen := make(map[string]bool)

	for i, step := range flow {
		if step.Setup != nil {
			h.applySetup(step.Setup)
		}
		if step.Advance != "" {
			d, _ := time.ParseDuration(step.Advance)
			h.clock.Advance(d)
		}

		run, err := h.engine.Materialize(ctx, step.Materialize, models.RunRequest{
			RunKey: step.RunKey,
			Tags:   step.Tags,
		})
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i+1, err)
		}
		deduped := seen[run.ID]
		seen[run.ID] = true

		result.Runs = append(result.Runs, run)
		result.addRunTrace(run, deduped)

		if step.Expect != nil {
			if string(run.Status) != step.Expect.Status {
				result.AddError(fmt.Sprintf("flow step %d: expected run status %s, got %s", i+1, step.Expect.Status, run.Status))
			}
			if deduped != step.Expect.Deduped {
				result.AddError(fmt.Sprintf("flow step %d: expected deduped=%t, got %t", i+1, step.Expect.Deduped, deduped))
			}
		}

		h.logger.Info("flow step completed",
			"step", i+1,
			"job", step.Materialize,
			"run_id", run.ID,
			"status", run.Status,
			"deduped", deduped,
		)
	}
	return nil
}

func buildDefinitions(s *Scenario) (*definitions.Definitions, error) {
	spec := definitions.Spec{}
	for _, a := range s.Assets {
		node := assets.Node{
			Key:   mustParseKey(a.Key),
			Kind:  assets.Kind(a.Kind),
			Group: a.Group,
		}
		for _, dep := range a.Deps {
			node.Upstream = append(node.Upstream, mustParseKey(dep))
		}
		if node.Kind == assets.KindIngestion {
			node.Load = &ingest.Spec{SourcePath: a.Source, Table: a.Table}
		}
		spec.Assets = append(spec.Assets, node)
	}

	for _, j := range s.Jobs {
		job := definitions.Job{Name: j.Name, Selection: assets.All()}
		if len(j.Select) > 0 {
			keys := make([]assets.Key, len(j.Select))
			for i, k := range j.Select {
				key, err := assets.ParseKey(k)
				if err != nil {
					return nil, fmt.Errorf("job %s: %w", j.Name, err)
				}
				keys[i] = key
			}
			job.Selection = assets.Keys(keys...)
		}
		spec.Jobs = append(spec.Jobs, job)
	}

	return definitions.New(spec)
}

func mustParseKey(s string) assets.Key {
	k, err := assets.ParseKey(s)
	if err != nil {
		panic(fmt.Sprintf("unvalidated asset key %q: %v", s, err))
	}
	return k
}
