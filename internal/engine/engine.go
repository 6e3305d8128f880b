package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/definitions"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
)

// DefaultMaxConcurrentRuns bounds how many runs Run executes at once.
const DefaultMaxConcurrentRuns = 1

// Engine owns the lifecycle of runs: it accepts submissions, deduplicates
// them by run key, queues them, and executes them against the loader and the
// build tool.
//
// Thread-safety model:
//   - Submit, GetRun, ListRuns, Execute, Materialize: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	store   *store.Store
	defs    *definitions.Definitions
	loader  ingest.Loader
	builder BuildTool

	clock  Clock
	ids    IDGenerator
	logger *slog.Logger
	queue  *runQueue

	maxConcurrent int
	retention     time.Duration

	inflight sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the run ID generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMaxConcurrentRuns bounds concurrent executions in Run.
// Values below 1 are ignored.
func WithMaxConcurrentRuns(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxConcurrent = n
		}
	}
}

// WithRunKeyRetention limits how far back run key deduplication looks.
// Zero (the default) means forever.
func WithRunKeyRetention(d time.Duration) Option {
	return func(e *Engine) {
		e.retention = d
	}
}

// New creates an Engine. loader and builder may be nil if no job reaches an
// asset of the corresponding kind; such assets otherwise fail at run time.
func New(s *store.Store, defs *definitions.Definitions, loader ingest.Loader, builder BuildTool, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		defs:          defs,
		loader:        loader,
		builder:       builder,
		clock:         SystemClock{},
		ids:           UUIDv7Generator{},
		logger:        slog.Default(),
		queue:         newRunQueue(),
		maxConcurrent: DefaultMaxConcurrentRuns,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Definitions returns the registry the engine executes against.
func (e *Engine) Definitions() *definitions.Definitions {
	return e.defs
}

// Submit records a QUEUED run of job and hands it to the Run loop.
//
// If req.RunKey matches a run that is not FAILED (within the retention
// window), nothing is queued and the existing run's ID is returned with
// deduped=true. After Stop, Submit records nothing and returns an error for
// which IsStoppedError is true.
func (e *Engine) Submit(ctx context.Context, job string, req models.RunRequest) (id string, deduped bool, err error) {
	if e.queue.Closed() {
		return "", false, &EngineError{Code: ErrCodeStopped, Message: fmt.Sprintf("engine stopped; run of %q not submitted", job)}
	}
	run, created, err := e.create(ctx, job, req)
	if err != nil {
		return "", false, err
	}
	if !created {
		return run.ID, true, nil
	}
	if !e.queue.Enqueue(run.ID) {
		// Stop raced the insert. The run stays QUEUED in the store and is
		// recovered on next start.
		e.logger.Warn("run queued while engine stopping", "run_id", run.ID)
	}
	return run.ID, false, nil
}

// Materialize submits a run and executes it on the calling goroutine.
// A deduplicated request returns the existing run unchanged.
func (e *Engine) Materialize(ctx context.Context, job string, req models.RunRequest) (*models.Run, error) {
	run, created, err := e.create(ctx, job, req)
	if err != nil {
		return nil, err
	}
	if !created {
		return run, nil
	}
	return e.Execute(ctx, run.ID)
}

// GetRun returns a run with its asset results.
func (e *Engine) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return e.store.GetRun(ctx, id)
}

// ListRuns returns runs matching f, newest first.
func (e *Engine) ListRuns(ctx context.Context, f store.RunFilter) ([]models.Run, error) {
	return e.store.ListRuns(ctx, f)
}

func (e *Engine) create(ctx context.Context, job string, req models.RunRequest) (*models.Run, bool, error) {
	if _, ok := e.defs.Job(job); !ok {
		return nil, false, &EngineError{Code: ErrCodeUnknownJob, Message: fmt.Sprintf("job %q is not registered", job)}
	}

	now := e.clock.Now()
	var dedupSince time.Time
	if e.retention > 0 {
		dedupSince = now.Add(-e.retention)
	}

	run, created, err := e.store.CreateRun(ctx, store.NewRun{
		ID:              e.ids.Generate(),
		RunKey:          req.RunKey,
		JobName:         job,
		Tags:            req.Tags,
		DefinitionsHash: e.defs.Hash(),
		CreatedAt:       now,
	}, dedupSince)
	if err != nil {
		return nil, false, fmt.Errorf("submit %s: %w", job, err)
	}

	if created {
		e.logger.Info("run submitted", "run_id", run.ID, "job", job, "run_key", req.RunKey)
	} else {
		e.logger.Info("run deduplicated", "run_id", run.ID, "job", job, "run_key", req.RunKey, "status", run.Status)
	}
	return run, created, nil
}

// Run executes queued runs until ctx is cancelled or Stop is called.
//
// On start it picks up runs left QUEUED by a previous process. Executions run
// on their own goroutines, at most WithMaxConcurrentRuns at once, and are not
// cancelled with ctx: Run waits for in-flight runs before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "max_concurrent_runs", e.maxConcurrent)

	pending, err := e.store.ListRunIDsByStatus(ctx, models.RunStatusQueued)
	if err != nil {
		return fmt.Errorf("recover queued runs: %w", err)
	}
	for _, id := range pending {
		e.queue.Enqueue(id)
	}
	if len(pending) > 0 {
		e.logger.Info("recovered queued runs", "count", len(pending))
	}

	sem := make(chan struct{}, e.maxConcurrent)
	runCtx := context.WithoutCancel(ctx)
	defer e.inflight.Wait()

	for {
		id, ok := e.queue.TryDequeue()
		if ok {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				e.logger.Info("engine stopping: context cancelled", "unstarted_run", id)
				return ctx.Err()
			}
			e.inflight.Add(1)
			go func() {
				defer e.inflight.Done()
				defer func() { <-sem }()
				if _, err := e.Execute(runCtx, id); err != nil && !IsNotQueuedError(err) {
					e.logger.Error("run execution failed", "run_id", id, "error", err)
				}
			}()
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed.
			if e.queue.Len() == 0 && e.queue.Closed() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once in-flight runs finish.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Wait blocks until every run started by Run has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Execute runs a QUEUED run to completion and returns the final record.
//
// The QUEUED → STARTED transition is a conditional update, so concurrent
// callers cannot both execute the same run: the loser gets an error for
// which IsNotQueuedError is true.
func (e *Engine) Execute(ctx context.Context, id string) (*models.Run, error) {
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	order, err := e.defs.Plan(run.JobName)
	if err != nil {
		// The job vanished from the definitions since submit. Fail the run
		// so it does not sit in QUEUED forever.
		if terr := e.finish(ctx, id, models.RunStatusQueued, models.RunStatusFailed); terr != nil {
			e.logger.Error("fail unplannable run", "run_id", id, "error", terr)
		}
		return nil, fmt.Errorf("plan run %s: %w", id, err)
	}

	if err := e.store.TransitionRun(ctx, id, models.RunStatusQueued, models.RunStatusStarted, e.clock.Now()); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, &EngineError{Code: ErrCodeNotQueued, Message: err.Error(), RunID: id}
		}
		return nil, err
	}
	e.logger.Info("run started", "run_id", id, "job", run.JobName, "assets", len(order))

	x := &execution{
		engine:  e,
		runID:   id,
		order:   order,
		graph:   e.defs.Graph(),
		blocked: make(assets.KeySet),
	}
	status, execErr := x.run(ctx)

	if err := e.store.TransitionRun(ctx, id, models.RunStatusStarted, status, e.clock.Now()); err != nil {
		return nil, errors.Join(execErr, err)
	}
	if execErr != nil {
		return nil, execErr
	}

	e.logger.Info("run finished", "run_id", id, "job", run.JobName, "status", status)
	return e.store.GetRun(ctx, id)
}

// finish moves a run to a terminal status from either QUEUED or STARTED.
func (e *Engine) finish(ctx context.Context, id string, from, to models.RunStatus) error {
	now := e.clock.Now()
	if from == models.RunStatusQueued {
		if err := e.store.TransitionRun(ctx, id, models.RunStatusQueued, models.RunStatusStarted, now); err != nil {
			return err
		}
	}
	return e.store.TransitionRun(ctx, id, models.RunStatusStarted, to, now)
}
