// Package models defines the run records shared by the engine, the triggers
// and the store.
package models

import (
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusStarted   RunStatus = "STARTED"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// CanTransition reports whether from → to is a legal step of the run state
// machine: QUEUED → STARTED → {SUCCEEDED | FAILED}.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusQueued:
		return to == RunStatusStarted
	case RunStatusStarted:
		return to == RunStatusSucceeded || to == RunStatusFailed
	default:
		return false
	}
}

// AssetStatus is the outcome of one asset materialization.
type AssetStatus string

const (
	AssetStatusSuccess AssetStatus = "SUCCESS"
	AssetStatusFailure AssetStatus = "FAILURE"
)

// AssetResult records one attempted asset materialization within a run.
type AssetResult struct {
	Key      assets.Key     `json:"key"`
	Status   AssetStatus    `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Run is one execution of a job.
type Run struct {
	ID              string            `json:"id"`
	RunKey          string            `json:"run_key,omitempty"`
	JobName         string            `json:"job"`
	Tags            map[string]string `json:"tags,omitempty"`
	Status          RunStatus         `json:"status"`
	Events          []AssetResult     `json:"events"`
	DefinitionsHash string            `json:"definitions_hash,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
}

// Result returns the recorded result for key, if any.
func (r *Run) Result(key assets.Key) (AssetResult, bool) {
	for _, ev := range r.Events {
		if ev.Key == key {
			return ev, true
		}
	}
	return AssetResult{}, false
}

// RunRequest is what a schedule or sensor evaluation yields to ask for a run.
// An empty RunKey disables deduplication.
type RunRequest struct {
	RunKey string            `json:"run_key,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// SkipReason is what a sensor evaluation yields when it decides not to run.
type SkipReason struct {
	Message string `json:"message"`
}

// Standard tag names.
const (
	TagSource   = "source"
	TagTrigger  = "trigger"
	TagSchedule = "schedule"
	TagSensor   = "sensor"
	TagTickTime = "scheduled_at"
)
