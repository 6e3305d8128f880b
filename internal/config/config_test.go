package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		EnvCSVPath, EnvProjectID, EnvDatasetID, EnvTableID,
		EnvDBTProjectDir, EnvDBTProfilesDir, EnvDBTKeyPath,
		EnvDBPath, EnvHTTPAddr, "CCPIPE_MAX_CONCURRENT_RUNS",
	} {
		t.Setenv(name, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ccpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/ccpipe/runs.db
ingestion:
  csv_path: /data/creditcard.csv
  dataset_id: raw
dbt:
  project_dir: /srv/dbt
  target: prod
daemon:
  tick_interval: 5s
  max_concurrent_runs: 2
  run_key_retention: 168h
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ccpipe/runs.db", cfg.DBPath)
	assert.Equal(t, "/data/creditcard.csv", cfg.Ingestion.CSVPath)
	assert.Equal(t, "raw", cfg.Ingestion.DatasetID)
	assert.Equal(t, "transactions", cfg.Ingestion.TableID, "unset fields keep defaults")
	assert.Equal(t, "prod", cfg.DBT.Target)
	assert.Equal(t, Duration(5*time.Second), cfg.Daemon.TickInterval)
	assert.Equal(t, 2, cfg.Daemon.MaxConcurrentRuns)
	assert.Equal(t, Duration(168*time.Hour), cfg.Daemon.RunKeyRetention)
	assert.Equal(t, "/srv/dbt/target/manifest.json", cfg.ManifestPath())
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ccpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  tick_interval: soon\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ccpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ingestion:\n  csv_path: from-file.csv\n"), 0o644))
	t.Setenv(EnvCSVPath, "from-env.csv")
	t.Setenv(EnvDBTKeyPath, "/secrets/sa.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.csv", cfg.Ingestion.CSVPath)
	assert.Equal(t, "/secrets/sa.json", cfg.DBT.KeyPath)
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BQ_TABLE_ID=from_dotenv\nGCP_PROJECT_ID=dotenv-project\n"), 0o644))
	t.Setenv(EnvProjectID, "shell-project")
	// Unset so the .env value can land; t.Setenv restores it afterwards.
	require.NoError(t, os.Unsetenv(EnvTableID))

	cfg, err := Load("", envFile, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "shell-project", cfg.Ingestion.ProjectID)
	assert.Equal(t, "from_dotenv", cfg.Ingestion.TableID)
}

func TestValidateAggregates(t *testing.T) {
	cfg := Default()
	cfg.DBPath = ""
	cfg.Ingestion.TableID = " "
	cfg.Daemon.MaxConcurrentRuns = 0
	cfg.Daemon.RunKeyRetention = Duration(-time.Hour)

	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, IsValidationError(err))

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Problems, 4)
	assert.Contains(t, err.Error(), "db_path is required")
}

func TestBadConcurrencyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CCPIPE_MAX_CONCURRENT_RUNS", "many")
	_, err := Load("")
	assert.True(t, IsValidationError(err))
}
