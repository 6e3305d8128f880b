package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/config"
)

var dbtModels = []string{"stg_transactions", "fct_transactions", "fraud_summary"}

type testProject struct {
	dir        string
	configPath string
	csvPath    string
}

// newTestProject lays out a CSV source, a dbt project with a compiled
// manifest, a fake dbt executable and a config file pointing at all of them.
// failModel, when set, makes the fake dbt report that model as an error.
func newTestProject(t *testing.T, failModel string) *testProject {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake dbt needs a POSIX shell")
	}
	for _, name := range []string{
		config.EnvCSVPath, config.EnvProjectID, config.EnvDatasetID, config.EnvTableID,
		config.EnvDBTProjectDir, config.EnvDBTProfilesDir, config.EnvDBTKeyPath,
		config.EnvDBPath, config.EnvHTTPAddr, "CCPIPE_MAX_CONCURRENT_RUNS",
	} {
		t.Setenv(name, "")
	}

	dir := t.TempDir()
	p := &testProject{dir: dir, csvPath: filepath.Join(dir, "data", "creditcard.csv")}

	// 200 rows, one fraud case: a 0.5% fraud rate.
	var csv strings.Builder
	csv.WriteString("Time,V1,Amount,Class\n")
	for i := 0; i < 200; i++ {
		class := 0
		if i == 7 {
			class = 1
		}
		fmt.Fprintf(&csv, "%d,%.4f,%.2f,%d\n", i, float64(i)/10, float64(i)+0.5, class)
	}
	writeFile(t, p.csvPath, csv.String(), 0o644)

	dbtDir := filepath.Join(dir, "dbt")
	writeFile(t, filepath.Join(dbtDir, "dbt_project.yml"), "name: credit_card_pipeline\n", 0o644)
	manifest, err := os.ReadFile(filepath.Join("..", "dbt", "testdata", "manifest.json"))
	require.NoError(t, err)
	writeFile(t, filepath.Join(dbtDir, "target", "manifest.json"), string(manifest), 0o644)

	var log strings.Builder
	// Models are a chain, so everything after a failure is skipped.
	exitCode := 0
	for _, m := range dbtModels {
		status := "success"
		switch {
		case exitCode != 0:
			status = "skipped"
		case m == failModel:
			status = "error"
			exitCode = 1
		}
		line, err := json.Marshal(map[string]any{
			"info": map[string]any{"name": "NodeFinished"},
			"data": map[string]any{
				"node_info":  map[string]any{"unique_id": "model.credit_card_pipeline." + m, "resource_type": "model", "node_status": status},
				"run_result": map[string]any{"status": status, "message": "", "execution_time": 0.1},
			},
		})
		require.NoError(t, err)
		log.Write(line)
		log.WriteString("\n")
	}
	logPath := filepath.Join(dir, "dbt.log")
	writeFile(t, logPath, log.String(), 0o644)
	dbtBin := filepath.Join(dir, "bin", "dbt")
	writeFile(t, dbtBin, fmt.Sprintf("#!/bin/sh\ncat '%s'\nexit %d\n", logPath, exitCode), 0o755)

	p.configPath = filepath.Join(dir, "ccpipe.yaml")
	writeFile(t, p.configPath, fmt.Sprintf(`db_path: %s
ingestion:
  csv_path: %s
  project_id: test-project
  dataset_id: kaggle_raw
  table_id: transactions
  warehouse_path: %s
dbt:
  executable: %s
  project_dir: %s
`, filepath.Join(dir, "runs.db"), p.csvPath, filepath.Join(dir, "warehouse.db"), dbtBin, dbtDir), 0o644)

	return p
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

// run executes the root command against the project and returns stdout.
func (p *testProject) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", p.configPath, "--env-file", filepath.Join(p.dir, "none.env")}, args...))
	err := cmd.ExecuteContext(t.Context())
	return stdout.String(), err
}
