package store

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRun(id, runKey string, createdAt time.Time) NewRun {
	return NewRun{
		ID:              id,
		RunKey:          runKey,
		JobName:         "credit_card_pipeline",
		Tags:            map[string]string{"source": "test"},
		DefinitionsHash: "test-hash",
		CreatedAt:       createdAt,
	}
}
