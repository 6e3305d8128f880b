package harness

import (
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// Trace event types.
const (
	EventRun   = "run"
	EventAsset = "asset"
)

// TraceEvent is one observable outcome of a flow step: a run, or one asset
// result recorded by that run.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Job     string `json:"job,omitempty"`
	RunKey  string `json:"run_key,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Status  string `json:"status"`
	Deduped bool   `json:"deduped,omitempty"`
	Rows    *int64 `json:"rows,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists runs and their asset results in flow order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains one message per failed expectation.
	Errors []string `json:"errors,omitempty"`

	// Runs holds the final record of each flow step's run.
	Runs []*models.Run `json:"-"`

	// BuildCalls is how many times the build tool was invoked.
	BuildCalls int `json:"-"`

	// TotalRuns is how many runs the store holds at the end.
	TotalRuns int `json:"-"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addRunTrace appends a run event followed by one event per asset result.
// A deduplicated run contributes only its run event.
func (r *Result) addRunTrace(run *models.Run, deduped bool) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     len(r.Trace) + 1,
		Type:    EventRun,
		RunID:   run.ID,
		Job:     run.JobName,
		RunKey:  run.RunKey,
		Status:  string(run.Status),
		Deduped: deduped,
	})
	if deduped {
		return
	}
	for _, res := range run.Events {
		ev := TraceEvent{
			Seq:    len(r.Trace) + 1,
			Type:   EventAsset,
			RunID:  run.ID,
			Asset:  res.Key.String(),
			Status: string(res.Status),
		}
		if n, ok := res.Metadata[engine.MetaRowCount].(int64); ok {
			ev.Rows = &n
		}
		if msg, ok := res.Metadata[engine.MetaError].(string); ok {
			ev.Error = msg
		}
		r.Trace = append(r.Trace, ev)
	}
}
