package dbt

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
)

func loadTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := LoadManifest(filepath.Join("testdata", "manifest.json"))
	require.NoError(t, err)
	return m
}

func collect(t *testing.T, seq iter.Seq2[engine.BuildEvent, error]) ([]engine.BuildEvent, error) {
	t.Helper()
	var events []engine.BuildEvent
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestManifestNodes(t *testing.T) {
	m := loadTestManifest(t)

	nodes := m.Nodes("transformation")
	require.Len(t, nodes, 3)

	byName := map[string]assets.Node{}
	for _, n := range nodes {
		assert.Equal(t, assets.KindTransformation, n.Kind)
		assert.Equal(t, "transformation", n.Group)
		byName[n.Key.String()] = n
	}

	stg := byName["stg_transactions"]
	assert.Equal(t, []assets.Key{assets.MustKey("kaggle_raw", "transactions")}, stg.Upstream)
	assert.Equal(t, "Typed and renamed raw transactions.", stg.Description)
	assert.Equal(t, []assets.Key{assets.MustKey("stg_transactions")}, byName["fct_transactions"].Upstream)
	assert.Equal(t, []assets.Key{assets.MustKey("fct_transactions")}, byName["fraud_summary"].Upstream)
}

func TestManifestKeysAndSelectors(t *testing.T) {
	m := loadTestManifest(t)

	k, ok := m.KeyFor("source.credit_card_pipeline.kaggle_raw.transactions")
	require.True(t, ok)
	assert.Equal(t, "kaggle_raw/transactions", k.String())

	_, ok = m.KeyFor("test.credit_card_pipeline.not_null_stg_transactions_amount.1a2b3c")
	assert.False(t, ok, "tests are not assets")

	sel, ok := m.Selector(assets.MustKey("fct_transactions"))
	require.True(t, ok)
	assert.Equal(t, "fct_transactions", sel)

	_, ok = m.Selector(assets.MustKey("kaggle_raw", "transactions"))
	assert.False(t, ok, "sources are not built by dbt")
}

func TestParseManifestRejectsGarbage(t *testing.T) {
	_, err := ParseManifest(strings.NewReader("{not json"))
	assert.Error(t, err)
}

func TestParseEvents(t *testing.T) {
	m := loadTestManifest(t)
	f, err := os.Open(filepath.Join("testdata", "build_failure.log"))
	require.NoError(t, err)
	defer f.Close()

	events, err := collect(t, ParseEvents(f, m))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "stg_transactions", events[0].Key.String())
	assert.Equal(t, engine.BuildSuccess, events[0].Status)
	assert.Equal(t, 1.25, events[0].Metadata["execution_time"])
	assert.Equal(t, float64(0), events[0].Metadata["rows_affected"])

	assert.Equal(t, "fct_transactions", events[1].Key.String())
	assert.Equal(t, engine.BuildFailure, events[1].Status)
	assert.Contains(t, events[1].Message, "column Amount not found")

	assert.Equal(t, "fraud_summary", events[2].Key.String())
	assert.Equal(t, engine.BuildSkipped, events[2].Status)
}

func TestParseEventsStopsEarly(t *testing.T) {
	m := loadTestManifest(t)
	f, err := os.Open(filepath.Join("testdata", "build_failure.log"))
	require.NoError(t, err)
	defer f.Close()

	n := 0
	for range ParseEvents(f, m) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]engine.BuildStatus{
		"success":       engine.BuildSuccess,
		"pass":          engine.BuildSuccess,
		"warn":          engine.BuildSuccess,
		"skipped":       engine.BuildSkipped,
		"error":         engine.BuildFailure,
		"fail":          engine.BuildFailure,
		"runtime error": engine.BuildFailure,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStatus(in), in)
	}
}

func TestRunnerArgs(t *testing.T) {
	m := loadTestManifest(t)
	r := NewRunner("/srv/dbt", m, WithProfilesDir("/srv/profiles"), WithTarget("prod"))

	args := r.Args([]assets.Key{
		assets.MustKey("stg_transactions"),
		assets.MustKey("fct_transactions"),
	})
	assert.Equal(t, []string{
		"build", "--log-format", "json",
		"--project-dir", "/srv/dbt",
		"--profiles-dir", "/srv/profiles",
		"--target", "prod",
		"--select", "stg_transactions fct_transactions",
	}, args)
}

// fakeDBT writes a shell script that prints the build log and exits with code.
func fakeDBT(t *testing.T, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	logPath, err := filepath.Abs(filepath.Join("testdata", "build_failure.log"))
	require.NoError(t, err)

	script := "#!/bin/sh\n" +
		"cat '" + logPath + "'\n" +
		"echo \"creds=$GOOGLE_APPLICATION_CREDENTIALS\" >&2\n" +
		"exit " + strconv.Itoa(code) + "\n"
	path := filepath.Join(t.TempDir(), "dbt")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunnerBuildStreamsEvents(t *testing.T) {
	m := loadTestManifest(t)
	r := NewRunner(t.TempDir(), m, WithExecutable(fakeDBT(t, 0)))

	events, err := collect(t, r.Build(context.Background(), []assets.Key{assets.MustKey("stg_transactions")}))
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRunnerBuildNonZeroExit(t *testing.T) {
	m := loadTestManifest(t)
	r := NewRunner(t.TempDir(), m,
		WithExecutable(fakeDBT(t, 1)),
		WithKeyPath("/secrets/sa.json"),
	)

	events, err := collect(t, r.Build(context.Background(), nil))
	require.Error(t, err)
	assert.Len(t, events, 3, "events before exit are still delivered")

	var bte *BuildToolError
	require.True(t, errors.As(err, &bte))
	assert.Equal(t, 1, bte.ExitCode)
	assert.Contains(t, bte.Stderr, "creds=/secrets/sa.json")
	assert.True(t, IsBuildToolError(err))
}

func TestRunnerBuildMissingExecutable(t *testing.T) {
	m := loadTestManifest(t)
	r := NewRunner(t.TempDir(), m, WithExecutable(filepath.Join(t.TempDir(), "no-such-dbt")))

	_, err := collect(t, r.Build(context.Background(), nil))
	require.Error(t, err)
	assert.True(t, IsBuildToolError(err))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("def"))
	assert.Equal(t, "cdef", tb.String())
}
