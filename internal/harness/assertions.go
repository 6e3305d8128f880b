package harness

import (
	"fmt"
	"strings"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		switch ev.Type {
		case EventRun:
			fmt.Fprintf(&buf, "  [%d] run %s %s %s\n", ev.Seq, ev.RunID, ev.Job, ev.Status)
		case EventAsset:
			fmt.Fprintf(&buf, "  [%d]   %s %s\n", ev.Seq, ev.Asset, ev.Status)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure. An empty slice means all assertions held.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertRunStatus:
		return assertRunStatus(result, a)
	case AssertAssetStatus:
		return assertAssetStatus(result, a)
	case AssertNoResult:
		return assertNoResult(result, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertRunCount:
		return assertCount(result, a.Type, "runs", a.Count, result.TotalRuns)
	case AssertBuildCount:
		return assertCount(result, a.Type, "build calls", a.Count, result.BuildCalls)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// stepRun returns the run of a 1-based step; zero means the last step.
func stepRun(result *Result, step int) (*models.Run, error) {
	if len(result.Runs) == 0 {
		return nil, fmt.Errorf("no runs executed")
	}
	if step == 0 {
		step = len(result.Runs)
	}
	if step < 1 || step > len(result.Runs) {
		return nil, fmt.Errorf("step %d out of range (%d steps)", step, len(result.Runs))
	}
	return result.Runs[step-1], nil
}

func assertRunStatus(result *Result, a Assertion) error {
	run, err := stepRun(result, a.Step)
	if err != nil {
		return err
	}
	if string(run.Status) != a.Status {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("run %s with status %s", run.ID, a.Status),
			Actual:   string(run.Status),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertAssetStatus(result *Result, a Assertion) error {
	run, err := stepRun(result, a.Step)
	if err != nil {
		return err
	}
	for _, res := range run.Events {
		if res.Key.String() != a.Asset {
			continue
		}
		if string(res.Status) == a.Status {
			return nil
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s %s in run %s", a.Asset, a.Status, run.ID),
			Actual:   string(res.Status),
			Trace:    result.Trace,
		}
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s %s in run %s", a.Asset, a.Status, run.ID),
		Actual:   "no result recorded",
		Trace:    result.Trace,
	}
}

func assertNoResult(result *Result, a Assertion) error {
	run, err := stepRun(result, a.Step)
	if err != nil {
		return err
	}
	for _, res := range run.Events {
		if res.Key.String() == a.Asset {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("no result for %s in run %s", a.Asset, run.ID),
				Actual:   string(res.Status),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertTraceOrder checks that assets first appear in the given order.
// Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for _, ev := range trace {
		if ev.Type != EventAsset {
			continue
		}
		if _, ok := positions[ev.Asset]; !ok {
			positions[ev.Asset] = ev.Seq
		}
	}

	for _, asset := range a.Assets {
		if _, ok := positions[asset]; !ok {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("all assets present: %v", a.Assets),
				Actual:   fmt.Sprintf("missing asset: %s", asset),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Assets); i++ {
		prev, curr := a.Assets[i-1], a.Assets[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("assets in order: %v", a.Assets),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertCount(result *Result, typ, what string, want, got int) error {
	if want != got {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%d %s", want, what),
			Actual:   fmt.Sprintf("%d %s", got, what),
			Trace:    result.Trace,
		}
	}
	return nil
}
