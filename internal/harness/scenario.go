package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// DefaultStart is the fake clock's starting time when a scenario sets none.
var DefaultStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Scenario defines a pipeline scenario: a graph, scripted collaborator
// outcomes, a flow of materializations and assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the fake clock's initial time. Zero means DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	Assets []AssetDecl `yaml:"assets"`
	Jobs   []JobDecl   `yaml:"jobs"`

	// Setup scripts the loader and the build tool before the flow.
	Setup Setup `yaml:"setup,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// AssetDecl declares one node of the scenario graph.
type AssetDecl struct {
	Key   string   `yaml:"key"`
	Kind  string   `yaml:"kind,omitempty"`
	Deps  []string `yaml:"deps,omitempty"`
	Group string   `yaml:"group,omitempty"`

	// Source and Table are required for ingestion assets.
	Source string `yaml:"source,omitempty"`
	Table  string `yaml:"table,omitempty"`
}

// JobDecl declares a job. An empty Select covers the whole graph.
type JobDecl struct {
	Name   string   `yaml:"name"`
	Select []string `yaml:"select,omitempty"`
}

// Setup scripts collaborator outcomes. Source entries are keyed by source
// path, build entries by asset key.
type Setup struct {
	Sources   map[string]SourceSetup `yaml:"sources,omitempty"`
	Build     map[string]BuildSetup  `yaml:"build,omitempty"`
	BuildExit *BuildExitSetup        `yaml:"build_exit,omitempty"`
}

// SourceSetup scripts one source file. A non-empty Error makes every load
// of it fail with that message.
type SourceSetup struct {
	Rows  int64  `yaml:"rows"`
	Bytes int64  `yaml:"bytes"`
	Error string `yaml:"error,omitempty"`
}

// BuildSetup scripts the event the build tool reports for one model.
type BuildSetup struct {
	Status  string `yaml:"status"`
	Message string `yaml:"message,omitempty"`
}

// BuildExitSetup makes the build tool exit with Error after reporting
// After events.
type BuildExitSetup struct {
	Error string `yaml:"error"`
	After int    `yaml:"after"`
}

// FlowStep materializes a job once.
type FlowStep struct {
	// Setup is applied on top of the current script before this step.
	Setup *Setup `yaml:"setup,omitempty"`

	// Advance moves the fake clock forward before this step.
	Advance string `yaml:"advance,omitempty"`

	Materialize string            `yaml:"materialize"`
	RunKey      string            `yaml:"run_key,omitempty"`
	Tags        map[string]string `yaml:"tags,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	Status  string `yaml:"status"`
	Deduped bool   `yaml:"deduped,omitempty"`
}

// Assertion validates the runs and the trace after the flow.
type Assertion struct {
	Type string `yaml:"type"`

	// Step is the 1-based flow step a run-scoped assertion refers to.
	// Zero means the last step.
	Step int `yaml:"step,omitempty"`

	Asset  string   `yaml:"asset,omitempty"`
	Status string   `yaml:"status,omitempty"`
	Assets []string `yaml:"assets,omitempty"`
	Count  int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRunStatus   = "run_status"
	AssertAssetStatus = "asset_status"
	AssertNoResult    = "no_result"
	AssertTraceOrder  = "trace_order"
	AssertRunCount    = "run_count"
	AssertBuildCount  = "build_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Assets) == 0 {
		return fmt.Errorf("assets list is required and must be non-empty")
	}
	if len(s.Jobs) == 0 {
		return fmt.Errorf("jobs list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, a := range s.Assets {
		if _, err := assets.ParseKey(a.Key); err != nil {
			return fmt.Errorf("assets[%d]: %w", i, err)
		}
		for _, dep := range a.Deps {
			if _, err := assets.ParseKey(dep); err != nil {
				return fmt.Errorf("assets[%d].deps: %w", i, err)
			}
		}
		if assets.Kind(a.Kind) == assets.KindIngestion && (a.Source == "" || a.Table == "") {
			return fmt.Errorf("assets[%d]: source and table are required for ingestion", i)
		}
	}

	if err := validateSetup("setup", &s.Setup); err != nil {
		return err
	}

	for i, step := range s.Flow {
		if step.Materialize == "" {
			return fmt.Errorf("flow[%d]: materialize is required", i)
		}
		if step.Advance != "" {
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("flow[%d].advance: %w", i, err)
			}
		}
		if step.Setup != nil {
			if err := validateSetup(fmt.Sprintf("flow[%d].setup", i), step.Setup); err != nil {
				return err
			}
		}
		if step.Expect != nil && !validRunStatus(step.Expect.Status) {
			return fmt.Errorf("flow[%d].expect: unknown status %q", i, step.Expect.Status)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], len(s.Flow)); err != nil {
			return err
		}
	}
	return nil
}

func validateSetup(field string, s *Setup) error {
	for key, b := range s.Build {
		if _, err := assets.ParseKey(key); err != nil {
			return fmt.Errorf("%s.build: %w", field, err)
		}
		switch engine.BuildStatus(b.Status) {
		case engine.BuildSuccess, engine.BuildFailure, engine.BuildSkipped:
		default:
			return fmt.Errorf("%s.build.%s: unknown status %q", field, key, b.Status)
		}
	}
	if e := s.BuildExit; e != nil {
		if e.Error == "" {
			return fmt.Errorf("%s.build_exit: error is required", field)
		}
		if e.After < 0 {
			return fmt.Errorf("%s.build_exit: after must be non-negative", field)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, steps int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Step < 0 || a.Step > steps {
		return fmt.Errorf("assertions[%d]: step %d out of range", index, a.Step)
	}

	switch a.Type {
	case AssertRunStatus:
		if !validRunStatus(a.Status) {
			return fmt.Errorf("assertions[%d]: unknown run status %q", index, a.Status)
		}
	case AssertAssetStatus:
		if a.Asset == "" {
			return fmt.Errorf("assertions[%d]: asset is required for asset_status", index)
		}
		if s := models.AssetStatus(a.Status); s != models.AssetStatusSuccess && s != models.AssetStatusFailure {
			return fmt.Errorf("assertions[%d]: unknown asset status %q", index, a.Status)
		}
	case AssertNoResult:
		if a.Asset == "" {
			return fmt.Errorf("assertions[%d]: asset is required for no_result", index)
		}
	case AssertTraceOrder:
		if len(a.Assets) == 0 {
			return fmt.Errorf("assertions[%d]: assets list is required for trace_order", index)
		}
	case AssertRunCount, AssertBuildCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func validRunStatus(s string) bool {
	return models.RunStatus(s).IsTerminal()
}
