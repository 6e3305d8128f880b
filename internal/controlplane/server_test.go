package controlplane

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/definitions"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/testutil"
)

const sourcePath = "data/raw/creditcard.csv"

func newTestServer(t *testing.T) (*Server, *store.Store, *engine.Engine) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	defs, err := definitions.New(definitions.Spec{
		Assets: []assets.Node{
			{Key: definitions.RawTransactionsKey, Kind: assets.KindIngestion, Load: &ingest.Spec{SourcePath: sourcePath, Table: "transactions"}},
			{Key: assets.MustKey("stg_transactions"), Upstream: []assets.Key{definitions.RawTransactionsKey}},
		},
		Jobs: []definitions.Job{{Name: "pipeline", Selection: assets.All(), Description: "everything"}},
	})
	require.NoError(t, err)

	loader := testutil.NewFakeLoader()
	loader.SetSource(sourcePath, 10, 100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, defs, loader, testutil.NewFakeBuildTool(),
		engine.WithClock(testutil.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))),
		engine.WithIDGenerator(testutil.NewSequentialIDs("run")),
		engine.WithLogger(logger),
	)
	return NewServer(eng, st, "127.0.0.1:0", WithLogger(logger)), st, eng
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, rd))
	return w
}

func TestHealthEndpoint_OK(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(t, s.Handler(), http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, st, _ := newTestServer(t)
	require.NoError(t, st.Close())

	w := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestSubmitAndGetRun(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/runs", `{"job":"pipeline","run_key":"k1","tags":{"who":"test"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var sub SubmitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sub))
	assert.Equal(t, "run-1", sub.RunID)
	assert.False(t, sub.Deduplicated)

	w = do(t, h, http.MethodPost, "/runs", `{"job":"pipeline","run_key":"k1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sub))
	assert.Equal(t, "run-1", sub.RunID)
	assert.True(t, sub.Deduplicated)

	w = do(t, h, http.MethodGet, "/runs/run-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var run models.Run
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, "api", run.Tags[models.TagSource])
	assert.Equal(t, "test", run.Tags["who"])
}

func TestSubmitErrors(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/runs", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/runs", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/runs", `{"job":"nope"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/runs", "").Code)
}

func TestSubmitAfterEngineStop(t *testing.T) {
	s, st, eng := newTestServer(t)
	eng.Stop()

	w := do(t, s.Handler(), http.MethodPost, "/runs", `{"job":"pipeline"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "ENGINE_STOPPED")

	runs, err := st.ListRuns(t.Context(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGetRunNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/runs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/runs/", "").Code)
}

func TestListRunsFilters(t *testing.T) {
	s, _, eng := newTestServer(t)
	h := s.Handler()

	_, err := eng.Materialize(t.Context(), "pipeline", models.RunRequest{RunKey: "done"})
	require.NoError(t, err)
	_, _, err = eng.Submit(t.Context(), "pipeline", models.RunRequest{RunKey: "waiting"})
	require.NoError(t, err)

	var runs []models.Run
	w := do(t, h, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	assert.Len(t, runs, 2)

	w = do(t, h, http.MethodGet, "/runs?status=succeeded", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "done", runs[0].RunKey)

	w = do(t, h, http.MethodGet, "/runs?job=other", "")
	assert.Equal(t, "[]\n", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/runs?limit=0", "").Code)
}

func TestJobsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(t, s.Handler(), http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []jobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "pipeline", jobs[0].Name)
	assert.Equal(t, []string{"kaggle_raw/transactions", "stg_transactions"}, jobs[0].Assets)
}

func TestDaemonStatsWithoutDaemon(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/daemon/stats", "").Code)
}

func TestServeAndShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(t.Context()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
