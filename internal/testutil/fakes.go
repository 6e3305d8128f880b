package testutil

import (
	"context"
	"iter"
	"sync"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
)

// FakeLoader is an in-memory ingest.Loader. Each call to Load for a source
// path with a scripted error fails; otherwise it "replaces" the destination
// table with the scripted row count, so repeated loads are full refreshes.
type FakeLoader struct {
	mu     sync.Mutex
	rows   map[string]int64
	bytes  map[string]int64
	errs   map[string]error
	tables map[string]int64
	calls  []ingest.Spec
}

// NewFakeLoader creates a loader with no scripted sources.
func NewFakeLoader() *FakeLoader {
	return &FakeLoader{
		rows:   map[string]int64{},
		bytes:  map[string]int64{},
		errs:   map[string]error{},
		tables: map[string]int64{},
	}
}

// SetSource scripts a successful load of path.
func (l *FakeLoader) SetSource(path string, rows, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[path] = rows
	l.bytes[path] = bytes
	delete(l.errs, path)
}

// Fail scripts every load of path to return err.
func (l *FakeLoader) Fail(path string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs[path] = err
}

// Load implements ingest.Loader.
func (l *FakeLoader) Load(_ context.Context, spec ingest.Spec) (ingest.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, spec)
	if err := l.errs[spec.SourcePath]; err != nil {
		return ingest.Result{}, err
	}
	rows, ok := l.rows[spec.SourcePath]
	if !ok {
		return ingest.Result{}, &ingest.SourceNotFoundError{Path: spec.SourcePath}
	}
	l.tables[spec.Table] = rows
	return ingest.Result{
		RowCount: rows,
		ByteSize: l.bytes[spec.SourcePath],
		TableID:  "fake." + spec.Table,
	}, nil
}

// Calls returns every spec passed to Load, in order.
func (l *FakeLoader) Calls() []ingest.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ingest.Spec(nil), l.calls...)
}

// TableRows returns the row count currently held by table.
func (l *FakeLoader) TableRows(table string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tables[table]
}

// FakeBuildTool is a scripted engine.BuildTool. It emits the scripted event
// of every requested key in request order; keys without a script succeed.
// If StreamErr is set, the sequence ends with that error after
// StreamErrAfter events.
type FakeBuildTool struct {
	mu             sync.Mutex
	statuses       map[assets.Key]engine.BuildEvent
	calls          [][]assets.Key
	StreamErr      error
	StreamErrAfter int
}

// NewFakeBuildTool creates a build tool where every model succeeds.
func NewFakeBuildTool() *FakeBuildTool {
	return &FakeBuildTool{statuses: map[assets.Key]engine.BuildEvent{}}
}

// SetResult scripts the event reported for key.
func (b *FakeBuildTool) SetResult(key assets.Key, status engine.BuildStatus, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[key] = engine.BuildEvent{Key: key, Status: status, Message: message}
}

// Build implements engine.BuildTool.
func (b *FakeBuildTool) Build(_ context.Context, keys []assets.Key) iter.Seq2[engine.BuildEvent, error] {
	b.mu.Lock()
	b.calls = append(b.calls, append([]assets.Key(nil), keys...))
	events := make([]engine.BuildEvent, 0, len(keys))
	for _, k := range keys {
		ev, ok := b.statuses[k]
		if !ok {
			ev = engine.BuildEvent{Key: k, Status: engine.BuildSuccess}
		}
		events = append(events, ev)
	}
	streamErr, after := b.StreamErr, b.StreamErrAfter
	b.mu.Unlock()

	return func(yield func(engine.BuildEvent, error) bool) {
		for i, ev := range events {
			if streamErr != nil && i >= after {
				yield(engine.BuildEvent{}, streamErr)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if streamErr != nil {
			yield(engine.BuildEvent{}, streamErr)
		}
	}
}

// Calls returns the key batches passed to Build, in order.
func (b *FakeBuildTool) Calls() [][]assets.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]assets.Key(nil), b.calls...)
}
