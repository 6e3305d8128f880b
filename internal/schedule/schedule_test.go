package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
)

type memTickStore struct {
	mu    sync.Mutex
	ticks map[string]time.Time
	runs  map[string]string
}

func newMemTickStore() *memTickStore {
	return &memTickStore{ticks: map[string]time.Time{}, runs: map[string]string{}}
}

func (m *memTickStore) LastFired(_ context.Context, name string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.ticks[name]
	return t, ok, nil
}

func (m *memTickStore) RecordFired(_ context.Context, name string, tick time.Time, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks[name] = tick
	m.runs[name] = runID
	return nil
}

func dailySchedule(t *testing.T) *Schedule {
	t.Helper()
	s, err := New("daily_pipeline_schedule", "credit_card_pipeline", "0 2 * * *", "Asia/Singapore")
	require.NoError(t, err)
	return s
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name, sched, job, expr, tz string
	}{
		{"missing name", "", "job", "0 2 * * *", ""},
		{"missing job", "s", "", "0 2 * * *", ""},
		{"bad cron", "s", "job", "not a cron", ""},
		{"six fields", "s", "job", "0 0 2 * * *", ""},
		{"bad timezone", "s", "job", "0 2 * * *", "Mars/Olympus_Mons"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.sched, tt.job, tt.expr, tt.tz)
			assert.Error(t, err)
		})
	}
}

func TestNext_Singapore(t *testing.T) {
	s := dailySchedule(t)

	// 20:00 SGT on June 1st.
	after := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	next := s.Next(after)

	assert.True(t, next.Equal(time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)), "got %s", next)
	assert.Equal(t, 2, next.Hour(), "next is expressed in the schedule timezone")

	// Deterministic and strictly after.
	assert.True(t, s.Next(after).Equal(next))
	assert.True(t, s.Next(next).Equal(next.Add(24*time.Hour)))
}

func TestNext_DefaultsToUTC(t *testing.T) {
	s, err := New("s", "job", "30 6 * * *", "")
	require.NoError(t, err)

	next := s.Next(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, next.Equal(time.Date(2024, 6, 1, 6, 30, 0, 0, time.UTC)))
}

func TestRequest_Tags(t *testing.T) {
	s := dailySchedule(t)

	req := s.Request(time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC))
	assert.Empty(t, req.RunKey)
	assert.Equal(t, map[string]string{
		models.TagSource:   "schedule",
		models.TagSchedule: "daily_pipeline_schedule",
		models.TagTickTime: "2024-06-02T02:00:00+08:00",
	}, req.Tags)
}

func TestTick_FiresOncePerBoundary(t *testing.T) {
	ctx := t.Context()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	boundary := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	ticks := newMemTickStore()
	tk := NewTicker(dailySchedule(t), ticks, start)

	_, req, err := tk.Tick(ctx, boundary.Add(-time.Second))
	require.NoError(t, err)
	assert.Nil(t, req)

	tick, req, err := tk.Tick(ctx, boundary.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.True(t, tick.Equal(boundary))

	// Until Fired is called the same boundary is reported again.
	again, req, err := tk.Tick(ctx, boundary.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.True(t, again.Equal(boundary))

	require.NoError(t, tk.Fired(ctx, tick, "run-1"))

	_, req, err = tk.Tick(ctx, boundary.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, req)

	assert.Equal(t, "run-1", ticks.runs["daily_pipeline_schedule"])
}

func TestTick_NoBackfill(t *testing.T) {
	ctx := t.Context()
	ticks := newMemTickStore()
	require.NoError(t, ticks.RecordFired(ctx, "daily_pipeline_schedule", time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC), "old"))

	// Process restarts weeks later; boundaries in between never fire.
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tk := NewTicker(dailySchedule(t), ticks, start)

	_, req, err := tk.Tick(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, req)

	tick, req, err := tk.Tick(ctx, time.Date(2024, 6, 1, 18, 0, 5, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.True(t, tick.Equal(time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)))
}

func TestTick_CollapsesMissedBoundaries(t *testing.T) {
	ctx := t.Context()
	s, err := New("hourly", "job", "0 * * * *", "UTC")
	require.NoError(t, err)
	start := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	tk := NewTicker(s, newMemTickStore(), start)

	tick, req, err := tk.Tick(ctx, time.Date(2024, 6, 1, 15, 10, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.True(t, tick.Equal(time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)))
}

func TestTick_NoDoubleFireAfterRestart(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "state.db")
	boundary := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	start := time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC)

	st1, err := store.Open(path)
	require.NoError(t, err)
	tk1 := NewTicker(dailySchedule(t), st1, start)
	tick, req, err := tk1.Tick(ctx, boundary.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, req)
	require.NoError(t, tk1.Fired(ctx, tick, "run-1"))
	require.NoError(t, st1.Close())

	// Restarted process whose start instant precedes the fired boundary.
	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()
	tk2 := NewTicker(dailySchedule(t), st2, start)

	_, req, err = tk2.Tick(ctx, boundary.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, req)
}
