package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One ingestion and one model"
assets:
  - key: raw/transactions
    kind: ingestion
    source: data/creditcard.csv
    table: transactions
  - key: stg_transactions
    deps: [raw/transactions]
jobs:
  - name: pipeline
setup:
  sources:
    data/creditcard.csv: { rows: 10, bytes: 100 }
flow:
  - materialize: pipeline
    run_key: k1
    expect:
      status: SUCCEEDED
assertions:
  - type: run_count
    count: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Len(t, scenario.Assets, 2)
	assert.Equal(t, []string{"raw/transactions"}, scenario.Assets[1].Deps)
	assert.Equal(t, int64(10), scenario.Setup.Sources["data/creditcard.csv"].Rows)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, "k1", scenario.Flow[0].RunKey)
	assert.Equal(t, "SUCCEEDED", scenario.Flow[0].Expect.Status)
	assert.True(t, scenario.Start.IsZero())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Start(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario + "start: 2024-06-01T18:00:00Z\n"))
	require.NoError(t, err)
	assert.Equal(t, 18, s.Start.UTC().Hour())
}

func TestParseScenario_Invalid(t *testing.T) {
	header := `
name: bad
description: "invalid"
assets:
  - key: model_a
jobs:
  - name: pipeline
`
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing flow",
			body:    "assertions:\n  - type: run_count\n",
			wantErr: "flow list is required",
		},
		{
			name:    "missing assertions",
			body:    "flow:\n  - materialize: pipeline\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "flow step without job",
			body:    "flow:\n  - run_key: k\nassertions:\n  - type: run_count\n",
			wantErr: "flow[0]: materialize is required",
		},
		{
			name:    "bad advance",
			body:    "flow:\n  - materialize: pipeline\n    advance: soon\nassertions:\n  - type: run_count\n",
			wantErr: "flow[0].advance",
		},
		{
			name:    "non-terminal expected status",
			body:    "flow:\n  - materialize: pipeline\n    expect: { status: STARTED }\nassertions:\n  - type: run_count\n",
			wantErr: `unknown status "STARTED"`,
		},
		{
			name:    "unknown build status",
			body:    "setup:\n  build:\n    model_a: { status: exploded }\nflow:\n  - materialize: pipeline\nassertions:\n  - type: run_count\n",
			wantErr: `unknown status "exploded"`,
		},
		{
			name:    "build exit without error",
			body:    "setup:\n  build_exit: { after: 1 }\nflow:\n  - materialize: pipeline\nassertions:\n  - type: run_count\n",
			wantErr: "setup.build_exit: error is required",
		},
		{
			name:    "unknown assertion",
			body:    "flow:\n  - materialize: pipeline\nassertions:\n  - type: final_state\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "asset_status without asset",
			body:    "flow:\n  - materialize: pipeline\nassertions:\n  - type: asset_status\n    status: SUCCESS\n",
			wantErr: "asset is required for asset_status",
		},
		{
			name:    "step out of range",
			body:    "flow:\n  - materialize: pipeline\nassertions:\n  - type: run_status\n    step: 2\n    status: FAILED\n",
			wantErr: "step 2 out of range",
		},
		{
			name:    "empty trace_order",
			body:    "flow:\n  - materialize: pipeline\nassertions:\n  - type: trace_order\n",
			wantErr: "assets list is required for trace_order",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(header + tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_IngestionNeedsSource(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: bad
description: "ingestion without source"
assets:
  - key: raw/transactions
    kind: ingestion
jobs:
  - name: pipeline
flow:
  - materialize: pipeline
assertions:
  - type: run_count
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source and table are required")
}

func TestParseScenario_InvalidKey(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: bad
description: "empty key segment"
assets:
  - key: raw//transactions
jobs:
  - name: pipeline
flow:
  - materialize: pipeline
assertions:
  - type: run_count
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assets[0]")
}
