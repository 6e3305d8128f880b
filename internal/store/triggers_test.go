package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_MissingIsNotOK(t *testing.T) {
	s := createTestStore(t)

	cursor, ok, err := s.GetCursor(t.Context(), "data_freshness_sensor")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, cursor)
}

func TestCursor_SetOverwrites(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.SetCursor(ctx, "data_freshness_sensor", "100", baseTime))
	require.NoError(t, s.SetCursor(ctx, "data_freshness_sensor", "200.5", baseTime.Add(time.Hour)))
	require.NoError(t, s.SetCursor(ctx, "other_sensor", "7", baseTime))

	cursor, ok, err := s.GetCursor(ctx, "data_freshness_sensor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "200.5", cursor)

	cursor, ok, err = s.GetCursor(ctx, "other_sensor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "7", cursor)
}

func TestCursor_SurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/state.db"

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetCursor(t.Context(), "sensor", "42", baseTime))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	cursor, ok, err := s2.GetCursor(t.Context(), "sensor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", cursor)
}

func TestScheduleTicks(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, ok, err := s.LastFired(ctx, "daily_pipeline_schedule")
	require.NoError(t, err)
	assert.False(t, ok)

	tick := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordFired(ctx, "daily_pipeline_schedule", tick, "run-1"))

	got, ok, err := s.LastFired(ctx, "daily_pipeline_schedule")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tick, got)

	// An older tick is ignored.
	require.NoError(t, s.RecordFired(ctx, "daily_pipeline_schedule", tick.Add(-24*time.Hour), "run-0"))
	got, _, err = s.LastFired(ctx, "daily_pipeline_schedule")
	require.NoError(t, err)
	assert.Equal(t, tick, got)
}
