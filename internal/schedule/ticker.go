package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// TickStore persists the last fired boundary per schedule so a restart does
// not fire the same boundary twice.
type TickStore interface {
	LastFired(ctx context.Context, scheduleName string) (time.Time, bool, error)
	RecordFired(ctx context.Context, scheduleName string, tick time.Time, runID string) error
}

// maxCatchUp bounds the boundary walk in Tick. Boundaries missed while the
// process was running collapse into one fire.
const maxCatchUp = 10000

// Ticker tracks boundary crossings of one Schedule.
//
// Missed boundaries are never backfilled. Evaluation starts from whichever is
// later: the last fired boundary in the store or the instant the ticker was
// created. If several boundaries were crossed between two calls to Tick, only
// the latest one fires.
//
// Usage:
//
//	tick, req, err := t.Tick(ctx, now)
//	if req != nil {
//	    id, _, err := submit(*req)
//	    t.Fired(ctx, tick, id)
//	}
//
// Thread-safety: Ticker is safe for concurrent use.
type Ticker struct {
	schedule  *Schedule
	store     TickStore
	startedAt time.Time

	mu     sync.Mutex
	loaded bool
	last   time.Time
}

// NewTicker creates a ticker. startedAt is the process start instant; no
// boundary at or before it will fire.
func NewTicker(s *Schedule, store TickStore, startedAt time.Time) *Ticker {
	return &Ticker{
		schedule:  s,
		store:     store,
		startedAt: startedAt,
	}
}

// Schedule returns the schedule this ticker evaluates.
func (t *Ticker) Schedule() *Schedule {
	return t.schedule
}

// Tick reports whether a boundary has been crossed at now. When one has, it
// returns the boundary instant and the run request to submit. Tick does not
// advance state: call Fired once the run has been submitted.
func (t *Ticker) Tick(ctx context.Context, now time.Time) (time.Time, *models.RunRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.loadLocked(ctx); err != nil {
		return time.Time{}, nil, err
	}

	base := t.startedAt
	if t.last.After(base) {
		base = t.last
	}

	next := t.schedule.Next(base)
	if next.IsZero() || next.After(now) {
		return time.Time{}, nil, nil
	}

	tick := next
	for i := 0; i < maxCatchUp; i++ {
		n := t.schedule.Next(tick)
		if n.IsZero() || n.After(now) {
			break
		}
		tick = n
	}

	req := t.schedule.Request(tick)
	return tick, &req, nil
}

// Fired records that the boundary at tick produced runID.
func (t *Ticker) Fired(ctx context.Context, tick time.Time, runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.RecordFired(ctx, t.schedule.name, tick, runID); err != nil {
		return err
	}
	if tick.After(t.last) {
		t.last = tick
	}
	return nil
}

func (t *Ticker) loadLocked(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	last, ok, err := t.store.LastFired(ctx, t.schedule.name)
	if err != nil {
		return fmt.Errorf("schedule %q: load last fired: %w", t.schedule.name, err)
	}
	if ok {
		t.last = last
	}
	t.loaded = true
	return nil
}
