package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/definitions"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// MaterializeOptions holds flags for the materialize command.
type MaterializeOptions struct {
	*RootOptions
	RunKey string
	Tags   map[string]string
}

// NewMaterializeCommand creates the materialize command.
func NewMaterializeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MaterializeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "materialize [job]",
		Short: "Run a job to completion in the foreground",
		Long: `Submit one run of a job and execute it in this process.

Ingestion assets load first, then the dbt models build in one dbt invocation.
The job defaults to credit_card_pipeline. Exit code is 1 if the run fails.

Example:
  ccpipe materialize
  ccpipe materialize transformations_only --run-key backfill-2024-06-01`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := definitions.JobCreditCardPipeline
			if len(args) == 1 {
				job = args[0]
			}
			return runMaterialize(opts, job, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunKey, "run-key", "", "deduplication key; an existing non-failed run with this key is returned instead")
	cmd.Flags().StringToStringVar(&opts.Tags, "tag", nil, "extra run tags (key=value)")

	return cmd
}

func runMaterialize(opts *MaterializeOptions, job string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	a, err := openApp(opts.RootOptions, out, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	tags := map[string]string{models.TagSource: "cli"}
	for k, v := range opts.Tags {
		tags[k] = v
	}

	run, err := a.engine.Materialize(cmd.Context(), job, models.RunRequest{RunKey: opts.RunKey, Tags: tags})
	if err != nil {
		if engine.IsUnknownJobError(err) {
			return out.Fail(ExitCommandError, ErrCodeNotFound, "unknown job", err)
		}
		return out.Fail(ExitFailure, ErrCodeGeneric, "run could not execute", err)
	}

	if err := out.Success(run, formatRun(run)); err != nil {
		return err
	}
	if run.Status == models.RunStatusFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s failed [%s]", run.ID, ErrCodeRunFailed))
	}
	return nil
}

// formatRun renders a run and its asset results for humans.
func formatRun(run *models.Run) string {
	var b strings.Builder
	mark := "✓"
	if run.Status == models.RunStatusFailed {
		mark = "✗"
	}
	fmt.Fprintf(&b, "%s run %s (%s) %s\n", mark, run.ID, run.JobName, run.Status)
	if run.RunKey != "" {
		fmt.Fprintf(&b, "  run key: %s\n", run.RunKey)
	}
	for _, ev := range run.Events {
		fmt.Fprintf(&b, "  %-8s %s", ev.Status, ev.Key)
		if msg, ok := ev.Metadata[engine.MetaError]; ok {
			fmt.Fprintf(&b, ": %v", msg)
		} else if rows, ok := ev.Metadata[engine.MetaRowCount]; ok {
			fmt.Fprintf(&b, " (%v rows)", rows)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
