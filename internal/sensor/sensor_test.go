package sensor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
)

type memCursorStore struct {
	mu      sync.Mutex
	cursors map[string]string
	readErr  error
	writeErr error
	writes   int
}

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{cursors: map[string]string{}}
}

func (m *memCursorStore) GetCursor(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return "", false, m.readErr
	}
	c, ok := m.cursors[name]
	return c, ok, nil
}

func (m *memCursorStore) SetCursor(_ context.Context, name, cursor string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.cursors[name] = cursor
	m.writes++
	return nil
}

// T is 2024-06-01T12:00:00Z.
var T = time.Unix(1717243200, 0).UTC()

func freshnessDef() Definition {
	return Definition{
		Name:        "data_freshness_sensor",
		JobName:     "credit_card_pipeline",
		MinInterval: 30 * time.Second,
		Threshold:   6 * time.Hour,
	}
}

func TestEvaluate_EmptyCursorFires(t *testing.T) {
	cursors := newMemCursorStore()
	s := NewFreshness(freshnessDef(), cursors)

	res, err := s.Evaluate(t.Context(), T)
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	assert.Nil(t, res.Skip)

	assert.Equal(t, "sensor_run_1717243200", res.Request.RunKey)
	assert.Equal(t, "sensor", res.Request.Tags[models.TagSource])
	assert.Equal(t, "freshness_check", res.Request.Tags[models.TagTrigger])
	assert.Equal(t, 0, cursors.writes, "evaluation alone never writes the cursor")

	require.NoError(t, s.Fired(t.Context(), T))
	assert.Equal(t, FormatCursor(T), cursors.cursors["data_freshness_sensor"])
	assert.Equal(t, "1717243200", cursors.cursors["data_freshness_sensor"])
}

// A fire that was never confirmed, for example because the submit failed,
// leaves the sensor due.
func TestEvaluate_UnconfirmedFireFiresAgain(t *testing.T) {
	cursors := newMemCursorStore()
	s := NewFreshness(freshnessDef(), cursors)

	first, err := s.Evaluate(t.Context(), T)
	require.NoError(t, err)
	require.NotNil(t, first.Request)

	later := T.Add(time.Minute)
	second, err := s.Evaluate(t.Context(), later)
	require.NoError(t, err)
	require.NotNil(t, second.Request)
	assert.Equal(t, RunKey(later), second.Request.RunKey)

	require.NoError(t, s.Fired(t.Context(), later))
	third, err := s.Evaluate(t.Context(), later.Add(time.Minute))
	require.NoError(t, err)
	assert.NotNil(t, third.Skip)
}

func TestFired_WriteErrorIsCursorStoreError(t *testing.T) {
	cursors := newMemCursorStore()
	cursors.writeErr = errors.New("database is locked")
	s := NewFreshness(freshnessDef(), cursors)

	err := s.Fired(t.Context(), T)
	require.Error(t, err)

	var ce *CursorStoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "write", ce.Op)
	assert.ErrorContains(t, err, "database is locked")
}

func TestEvaluate_SkipMessage(t *testing.T) {
	cursors := newMemCursorStore()
	cursors.cursors["data_freshness_sensor"] = FormatCursor(T)
	s := NewFreshness(freshnessDef(), cursors)

	res, err := s.Evaluate(t.Context(), T.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, res.Request)
	require.NotNil(t, res.Skip)
	assert.Equal(t, "Last materialization was 1.0 hours ago (threshold: 6 hours)", res.Skip.Message)
	assert.Equal(t, 0, cursors.writes, "skip never writes the cursor")
}

func TestEvaluate_ThresholdBoundary(t *testing.T) {
	const eps = time.Millisecond

	tests := []struct {
		name   string
		cursor time.Time
		fires  bool
	}{
		{"just past threshold", T.Add(-6*time.Hour - eps), true},
		{"just inside threshold", T.Add(-6*time.Hour + eps), false},
		{"exactly at threshold", T.Add(-6 * time.Hour), false},
		{"cursor in the future", T.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursors := newMemCursorStore()
			cursors.cursors["data_freshness_sensor"] = FormatCursor(tt.cursor)
			s := NewFreshness(freshnessDef(), cursors)

			res, err := s.Evaluate(t.Context(), T)
			require.NoError(t, err)
			assert.Equal(t, tt.fires, res.Request != nil)
			assert.Equal(t, !tt.fires, res.Skip != nil)
		})
	}
}

func TestEvaluate_FractionalInstantFloorsRunKey(t *testing.T) {
	cursors := newMemCursorStore()
	s := NewFreshness(freshnessDef(), cursors)
	now := T.Add(500 * time.Millisecond)

	res, err := s.Evaluate(t.Context(), now)
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	assert.Equal(t, "sensor_run_1717243200", res.Request.RunKey)

	require.NoError(t, s.Fired(t.Context(), now))
	assert.Equal(t, "1717243200.5", cursors.cursors["data_freshness_sensor"])
}

// Concurrent evaluations at one instant all derive the same run key, so the
// engine's run key dedup yields a single run.
func TestEvaluate_SameInstantSharesRunKey(t *testing.T) {
	cursors := newMemCursorStore()
	s := NewFreshness(freshnessDef(), cursors)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		requests []models.RunRequest
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Evaluate(context.Background(), T)
			if !assert.NoError(t, err) {
				return
			}
			if res.Request != nil {
				mu.Lock()
				requests = append(requests, *res.Request)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, requests, n)
	for _, req := range requests {
		assert.Equal(t, "sensor_run_1717243200", req.RunKey)
	}
	assert.Equal(t, 0, cursors.writes)
}

func TestEvaluate_ReadErrorIsCursorStoreError(t *testing.T) {
	cursors := newMemCursorStore()
	cursors.readErr = errors.New("disk I/O error")
	s := NewFreshness(freshnessDef(), cursors)

	res, err := s.Evaluate(t.Context(), T)
	require.Error(t, err)
	assert.True(t, IsCursorStoreError(err))
	assert.ErrorContains(t, err, "disk I/O error")
	assert.Nil(t, res.Request)
	assert.Equal(t, 0, cursors.writes)
}

func TestEvaluate_UnparsableCursor(t *testing.T) {
	cursors := newMemCursorStore()
	cursors.cursors["data_freshness_sensor"] = "yesterday"
	s := NewFreshness(freshnessDef(), cursors)

	_, err := s.Evaluate(t.Context(), T)
	require.Error(t, err)

	var ce *CursorStoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "parse", ce.Op)
	assert.Equal(t, "data_freshness_sensor", ce.Sensor)
}

func TestEvaluate_CursorSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st1, err := store.Open(path)
	require.NoError(t, err)
	s1 := NewFreshness(freshnessDef(), st1)
	res, err := s1.Evaluate(t.Context(), T)
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	require.NoError(t, s1.Fired(t.Context(), T))
	require.NoError(t, st1.Close())

	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()

	res, err = NewFreshness(freshnessDef(), st2).Evaluate(t.Context(), T.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, res.Skip)
	assert.Equal(t, "Last materialization was 2.0 hours ago (threshold: 6 hours)", res.Skip.Message)
}

func TestDue_MinInterval(t *testing.T) {
	s := NewFreshness(freshnessDef(), newMemCursorStore())

	assert.True(t, s.Due(T), "never evaluated")

	_, err := s.Evaluate(t.Context(), T)
	require.NoError(t, err)

	assert.False(t, s.Due(T.Add(29*time.Second)))
	assert.True(t, s.Due(T.Add(30*time.Second)))
	assert.True(t, s.Due(T.Add(time.Hour)))
}

func TestNewFreshness_DefaultThreshold(t *testing.T) {
	def := freshnessDef()
	def.Threshold = 0
	s := NewFreshness(def, newMemCursorStore())
	assert.Equal(t, DefaultThreshold, s.Definition().Threshold)
}

func TestDefinition_Validate(t *testing.T) {
	assert.NoError(t, freshnessDef().Validate())

	err := Definition{Threshold: -time.Second}.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "name is required")
	assert.ErrorContains(t, err, "job is required")
	assert.ErrorContains(t, err, "threshold must be positive")
}

func TestCursorRoundTrip(t *testing.T) {
	for _, ts := range []time.Time{T, T.Add(250 * time.Millisecond), T.Add(time.Nanosecond), time.Unix(0, 0)} {
		got, err := ParseCursor(FormatCursor(ts))
		require.NoError(t, err)
		assert.True(t, ts.Equal(got), "round trip of %s gave %s", ts, got)
	}
}

func TestParseCursor_FloatSyntax(t *testing.T) {
	got, err := ParseCursor("1.7172432e+09")
	require.NoError(t, err)
	assert.Equal(t, int64(1717243200), got.Unix())

	_, err = ParseCursor("NaN")
	assert.Error(t, err)
}
