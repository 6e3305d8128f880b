package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/config"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/definitions"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/warehouse"
)

// Check statuses.
const (
	CheckOK   = "ok"
	CheckFail = "fail"
	CheckSkip = "skip"
)

// Check is one structural or data quality check.
type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidationResult holds every check that ran.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Checks []Check `json:"checks"`
}

func (r *ValidationResult) add(c Check) {
	if c.Status == CheckFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, c)
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	DataQuality bool
}

// Columns the raw transactions table must carry.
var requiredColumns = []string{"Time", "Amount", "Class"}

// maxFraudRate bounds the share of Class=1 rows in a realistic extract.
const maxFraudRate = 0.01

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, definitions and inputs without running anything",
		Long: `Run structural smoke checks.

Loads the configuration and the definitions (including the dbt manifest),
confirms the pipeline job and schedule are registered, and checks that
ingestion sources and the dbt project exist. Missing source files are
skipped, not failed. With --data-quality the loaded raw table is profiled:
required columns present, no nulls in Amount or Class, fraud rate above zero
and below 1%.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DataQuality, "data-quality", false, "profile the loaded raw transactions table")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	res := &ValidationResult{Valid: true}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		res.add(Check{Name: "config", Status: CheckFail, Code: ErrCodeConfig, Message: err.Error()})
		return outputValidation(out, res)
	}
	res.add(Check{Name: "config", Status: CheckOK})

	defs, _, err := loadDefinitions(cfg)
	if err != nil {
		code := ErrCodeDefinitions
		var me *manifestError
		if errors.As(err, &me) {
			code = ErrCodeManifest
		}
		res.add(Check{Name: "definitions", Status: CheckFail, Code: code, Message: err.Error()})
		return outputValidation(out, res)
	}
	g := defs.Graph()
	res.add(Check{Name: "definitions", Status: CheckOK, Message: fmt.Sprintf("%d assets, %d jobs, %d schedules, %d sensors",
		g.Len(), len(defs.Jobs()), len(defs.Schedules()), len(defs.Sensors()))})
	out.VerboseLog("definitions hash %s", defs.Hash())

	structuralChecks(res, cfg, defs)
	sourceChecks(res, cfg, defs)

	if opts.DataQuality {
		dataQualityCheck(cmd, res, cfg)
	}

	return outputValidation(out, res)
}

func structuralChecks(res *ValidationResult, cfg *config.Config, defs *definitions.Definitions) {
	if defs.Graph().Len() == 0 {
		res.add(Check{Name: "assets", Status: CheckFail, Code: ErrCodeDefinitions, Message: "no assets registered"})
	} else {
		res.add(Check{Name: "assets", Status: CheckOK})
	}

	// The built-in pipeline must expose its well-known names.
	if cfg.Definitions == "" {
		if _, ok := defs.Job(definitions.JobCreditCardPipeline); ok {
			res.add(Check{Name: "job " + definitions.JobCreditCardPipeline, Status: CheckOK})
		} else {
			res.add(Check{Name: "job " + definitions.JobCreditCardPipeline, Status: CheckFail, Code: ErrCodeDefinitions, Message: "not registered"})
		}
	}

	now := time.Now()
	for _, s := range defs.Schedules() {
		next := s.Next(now).In(s.Location())
		res.add(Check{Name: "schedule " + s.Name(), Status: CheckOK, Message: "next fire " + next.Format(time.RFC3339)})
	}
	if cfg.Definitions == "" && !hasSchedule(defs, definitions.ScheduleDaily) {
		res.add(Check{Name: "schedule " + definitions.ScheduleDaily, Status: CheckFail, Code: ErrCodeDefinitions, Message: "not registered"})
	}
}

func hasSchedule(defs *definitions.Definitions, name string) bool {
	for _, s := range defs.Schedules() {
		if s.Name() == name {
			return true
		}
	}
	return false
}

func sourceChecks(res *ValidationResult, cfg *config.Config, defs *definitions.Definitions) {
	g := defs.Graph()
	for _, k := range g.Keys() {
		n, _ := g.Node(k)
		if n.Kind != assets.KindIngestion {
			continue
		}
		name := "source " + k.String()
		if _, err := os.Stat(n.Load.SourcePath); err != nil {
			res.add(Check{Name: name, Status: CheckSkip, Code: ErrCodeSource, Message: fmt.Sprintf("%s not found", n.Load.SourcePath)})
			continue
		}
		res.add(Check{Name: name, Status: CheckOK, Message: n.Load.SourcePath})
	}

	projectFile := filepath.Join(cfg.DBT.ProjectDir, "dbt_project.yml")
	if _, err := os.Stat(projectFile); err != nil {
		res.add(Check{Name: "dbt project", Status: CheckFail, Code: ErrCodeDBTProject, Message: fmt.Sprintf("%s not found", projectFile)})
	} else {
		res.add(Check{Name: "dbt project", Status: CheckOK, Message: cfg.DBT.ProjectDir})
	}
}

func dataQualityCheck(cmd *cobra.Command, res *ValidationResult, cfg *config.Config) {
	const name = "data quality"
	if _, err := os.Stat(cfg.Ingestion.WarehousePath); err != nil {
		res.add(Check{Name: name, Status: CheckSkip, Code: ErrCodeSource, Message: "warehouse not created yet"})
		return
	}
	wh, err := warehouse.Open(cfg.Ingestion.WarehousePath)
	if err != nil {
		res.add(Check{Name: name, Status: CheckFail, Code: ErrCodeStore, Message: err.Error()})
		return
	}
	defer wh.Close()

	p, err := wh.Profile(cmd.Context(), cfg.Ingestion.TableID)
	if errors.Is(err, warehouse.ErrTableNotFound) {
		res.add(Check{Name: name, Status: CheckSkip, Code: ErrCodeSource, Message: cfg.Ingestion.TableID + " not loaded yet"})
		return
	}
	if err != nil {
		res.add(Check{Name: name, Status: CheckFail, Code: ErrCodeStore, Message: err.Error()})
		return
	}

	var problems []string
	for _, col := range requiredColumns {
		if _, ok := p.Column(col); !ok {
			problems = append(problems, "missing column "+col)
		}
	}
	for _, col := range []string{"Amount", "Class"} {
		if c, ok := p.Column(col); ok && c.Nulls > 0 {
			problems = append(problems, fmt.Sprintf("%d null %s values", c.Nulls, col))
		}
	}
	if c, ok := p.Column("Class"); ok {
		switch {
		case c.Mean == nil || *c.Mean <= 0:
			problems = append(problems, "no fraud cases found")
		case *c.Mean >= maxFraudRate:
			problems = append(problems, fmt.Sprintf("fraud rate too high: %.2f%%", *c.Mean*100))
		}
	}

	if len(problems) > 0 {
		res.add(Check{Name: name, Status: CheckFail, Code: ErrCodeSource, Message: strings.Join(problems, "; ")})
		return
	}
	res.add(Check{Name: name, Status: CheckOK, Message: fmt.Sprintf("%d rows", p.Rows)})
}

func outputValidation(out *OutputFormatter, res *ValidationResult) error {
	if out.IsJSON() {
		if err := out.Success(res, ""); err != nil {
			return err
		}
	} else {
		for _, c := range res.Checks {
			mark := "✓"
			switch c.Status {
			case CheckFail:
				mark = "✗"
			case CheckSkip:
				mark = "-"
			}
			line := fmt.Sprintf("%s %s", mark, c.Name)
			if c.Code != "" && c.Status != CheckOK {
				line += " [" + c.Code + "]"
			}
			if c.Message != "" {
				line += ": " + c.Message
			}
			fmt.Fprintln(out.Writer, line)
		}
		if res.Valid {
			fmt.Fprintln(out.Writer, "✓ All checks passed")
		} else {
			fmt.Fprintln(out.Writer, "✗ Validation failed")
		}
	}

	if !res.Valid {
		var failed int
		for _, c := range res.Checks {
			if c.Status == CheckFail {
				failed++
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", failed))
	}
	return nil
}
