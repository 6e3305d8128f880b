// Package config holds the orchestrator's runtime settings.
//
// Settings come from three layers, later layers winning: built-in defaults,
// an optional YAML file, then environment variables. A .env file in the
// working directory, when present, is loaded into the environment first and
// never overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvCSVPath        = "CSV_PATH"
	EnvProjectID      = "GCP_PROJECT_ID"
	EnvDatasetID      = "BQ_DATASET_ID"
	EnvTableID        = "BQ_TABLE_ID"
	EnvDBTProjectDir  = "DBT_PROJECT_DIR"
	EnvDBTProfilesDir = "DBT_PROFILES_DIR"
	EnvDBTKeyPath     = "DBT_KEY_PATH"
	EnvDBPath         = "CCPIPE_DB"
	EnvHTTPAddr       = "CCPIPE_HTTP_ADDR"
)

// Duration is a time.Duration that reads from YAML as "30s", "6h" and so on.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full set of runtime settings.
type Config struct {
	// DBPath is the SQLite file holding runs, cursors and schedule ticks.
	DBPath string `yaml:"db_path"`
	// Definitions optionally names a CUE file or directory. Empty means the
	// built-in credit card pipeline.
	Definitions string `yaml:"definitions"`

	Ingestion IngestionConfig `yaml:"ingestion"`
	DBT       DBTConfig       `yaml:"dbt"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// IngestionConfig describes the CSV source and the warehouse it lands in.
type IngestionConfig struct {
	CSVPath       string `yaml:"csv_path"`
	ProjectID     string `yaml:"project_id"`
	DatasetID     string `yaml:"dataset_id"`
	TableID       string `yaml:"table_id"`
	WarehousePath string `yaml:"warehouse_path"`
}

// DBTConfig locates the dbt project.
type DBTConfig struct {
	Executable  string `yaml:"executable"`
	ProjectDir  string `yaml:"project_dir"`
	ProfilesDir string `yaml:"profiles_dir"`
	Target      string `yaml:"target"`
	KeyPath     string `yaml:"key_path"`
	// Manifest defaults to target/manifest.json under ProjectDir.
	Manifest string `yaml:"manifest"`
}

// DaemonConfig tunes the long-running process.
type DaemonConfig struct {
	TickInterval      Duration `yaml:"tick_interval"`
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs"`
	// RunKeyRetention bounds run key deduplication. Zero keeps keys forever.
	RunKeyRetention Duration `yaml:"run_key_retention"`
	HTTPAddr        string   `yaml:"http_addr"`
}

// Default returns the settings used when nothing else is given.
func Default() *Config {
	return &Config{
		DBPath: "ccpipe.db",
		Ingestion: IngestionConfig{
			CSVPath:       "data/creditcard.csv",
			ProjectID:     "local",
			DatasetID:     "kaggle_raw",
			TableID:       "transactions",
			WarehousePath: "warehouse.db",
		},
		DBT: DBTConfig{
			Executable: "dbt",
			ProjectDir: "dbt",
		},
		Daemon: DaemonConfig{
			TickInterval:      Duration(time.Second),
			MaxConcurrentRuns: 1,
			HTTPAddr:          "127.0.0.1:3000",
		},
	}
}

// ManifestPath returns the dbt manifest location.
func (c *Config) ManifestPath() string {
	if c.DBT.Manifest != "" {
		return c.DBT.Manifest
	}
	return strings.TrimSuffix(c.DBT.ProjectDir, "/") + "/target/manifest.json"
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error. envFiles are loaded with godotenv before the
// environment is read; missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		EnvCSVPath:        &c.Ingestion.CSVPath,
		EnvProjectID:      &c.Ingestion.ProjectID,
		EnvDatasetID:      &c.Ingestion.DatasetID,
		EnvTableID:        &c.Ingestion.TableID,
		EnvDBTProjectDir:  &c.DBT.ProjectDir,
		EnvDBTProfilesDir: &c.DBT.ProfilesDir,
		EnvDBTKeyPath:     &c.DBT.KeyPath,
		EnvDBPath:         &c.DBPath,
		EnvHTTPAddr:       &c.Daemon.HTTPAddr,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("CCPIPE_MAX_CONCURRENT_RUNS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Problems: []string{fmt.Sprintf("CCPIPE_MAX_CONCURRENT_RUNS: %v", err)}}
		}
		c.Daemon.MaxConcurrentRuns = n
	}
	return nil
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	req := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			problems = append(problems, field+" is required")
		}
	}
	req("db_path", c.DBPath)
	req("ingestion.csv_path", c.Ingestion.CSVPath)
	req("ingestion.dataset_id", c.Ingestion.DatasetID)
	req("ingestion.table_id", c.Ingestion.TableID)
	req("ingestion.warehouse_path", c.Ingestion.WarehousePath)
	req("dbt.executable", c.DBT.Executable)
	req("dbt.project_dir", c.DBT.ProjectDir)

	if c.Daemon.TickInterval <= 0 {
		problems = append(problems, "daemon.tick_interval must be positive")
	}
	if c.Daemon.MaxConcurrentRuns < 1 {
		problems = append(problems, "daemon.max_concurrent_runs must be at least 1")
	}
	if c.Daemon.RunKeyRetention < 0 {
		problems = append(problems, "daemon.run_key_retention must not be negative")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
