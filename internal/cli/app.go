package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/config"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/dbt"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/definitions"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/warehouse"
)

// app is everything a command needs, wired from the configuration.
type app struct {
	cfg       *config.Config
	defs      *definitions.Definitions
	manifest  *dbt.Manifest
	store     *store.Store
	warehouse *warehouse.Loader
	engine    *engine.Engine
	logger    *slog.Logger
}

// newLogger builds the process logger. Verbose output enables debug level.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file and env files named by the global flags.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	var envFiles []string
	if opts.EnvFile != "" {
		envFiles = append(envFiles, opts.EnvFile)
	}
	return config.Load(opts.ConfigPath, envFiles...)
}

// loadDefinitions builds the registry. Without a definitions file the
// built-in credit card pipeline is used, with its models read from the dbt
// manifest. The manifest is nil when none is configured.
func loadDefinitions(cfg *config.Config) (*definitions.Definitions, *dbt.Manifest, error) {
	var (
		spec         definitions.Spec
		manifestPath string
	)
	if cfg.Definitions != "" {
		s, err := definitions.LoadCUE(cfg.Definitions)
		if err != nil {
			return nil, nil, err
		}
		spec = s
		manifestPath = spec.DBTManifest
	} else {
		manifestPath = cfg.ManifestPath()
	}

	var manifest *dbt.Manifest
	if manifestPath != "" {
		m, err := dbt.LoadManifest(manifestPath)
		if err != nil {
			return nil, nil, &manifestError{Path: manifestPath, Err: err}
		}
		manifest = m
	}

	if cfg.Definitions == "" {
		spec = definitions.Reference(definitions.ReferenceOptions{
			CSVPath: cfg.Ingestion.CSVPath,
			Table:   cfg.Ingestion.TableID,
			Models:  manifest.Nodes(definitions.GroupTransformation),
		})
	} else if manifest != nil {
		spec.Assets = append(spec.Assets, manifest.Nodes(definitions.GroupTransformation)...)
	}

	defs, err := definitions.New(spec)
	if err != nil {
		return nil, nil, err
	}
	return defs, manifest, nil
}

type manifestError struct {
	Path string
	Err  error
}

func (e *manifestError) Error() string {
	return fmt.Sprintf("dbt manifest %s: %v (run `dbt parse` first)", e.Path, e.Err)
}

func (e *manifestError) Unwrap() error { return e.Err }

// openApp wires config, definitions, run store, warehouse, dbt runner and
// engine. Failures are returned as ExitErrors already reported through out.
func openApp(opts *RootOptions, out *OutputFormatter, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}

	defs, manifest, err := loadDefinitions(cfg)
	if err != nil {
		var me *manifestError
		if errors.As(err, &me) {
			return nil, out.Fail(ExitCommandError, ErrCodeManifest, "cannot load dbt manifest", err)
		}
		return nil, out.Fail(ExitCommandError, ErrCodeDefinitions, "invalid definitions", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeStore, "cannot open run database", err)
	}

	wh, err := warehouse.Open(cfg.Ingestion.WarehousePath,
		warehouse.WithProject(cfg.Ingestion.ProjectID),
		warehouse.WithDataset(cfg.Ingestion.DatasetID),
		warehouse.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, out.Fail(ExitCommandError, ErrCodeStore, "cannot open warehouse", err)
	}

	var builder engine.BuildTool
	if manifest != nil {
		builder = dbt.NewRunner(cfg.DBT.ProjectDir, manifest,
			dbt.WithExecutable(cfg.DBT.Executable),
			dbt.WithProfilesDir(cfg.DBT.ProfilesDir),
			dbt.WithTarget(cfg.DBT.Target),
			dbt.WithKeyPath(cfg.DBT.KeyPath),
			dbt.WithLogger(logger),
		)
	}

	eng := engine.New(st, defs, wh, builder,
		engine.WithLogger(logger),
		engine.WithMaxConcurrentRuns(cfg.Daemon.MaxConcurrentRuns),
		engine.WithRunKeyRetention(cfg.Daemon.RunKeyRetention.Std()),
	)

	return &app{
		cfg:       cfg,
		defs:      defs,
		manifest:  manifest,
		store:     st,
		warehouse: wh,
		engine:    eng,
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if err := a.warehouse.Close(); err != nil {
		a.logger.Error("error closing warehouse", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// openStore opens only the run database, for read-only commands.
func openStore(opts *RootOptions, out *OutputFormatter) (*store.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeNotFound, "run database not found", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeStore, "cannot open run database", err)
	}
	return st, nil
}
