package engine

import (
	"context"
	"iter"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
)

// BuildStatus is the per-unit outcome reported by a build tool.
type BuildStatus string

const (
	BuildSuccess BuildStatus = "success"
	BuildFailure BuildStatus = "failure"

	// BuildSkipped means the tool chose not to build the unit, usually
	// because something upstream failed. It produces no asset result.
	BuildSkipped BuildStatus = "skipped"
)

// BuildEvent is one per-unit result streamed by a build tool.
type BuildEvent struct {
	Key      assets.Key
	Status   BuildStatus
	Message  string
	Metadata map[string]any
}

// BuildTool materializes transformation assets with one invocation.
//
// Build returns a finite, single-use sequence of events in the tool's own
// dependency order. A non-nil error ends the sequence: the engine stops
// reading and treats every requested asset without an event as failed.
type BuildTool interface {
	Build(ctx context.Context, keys []assets.Key) iter.Seq2[BuildEvent, error]
}
