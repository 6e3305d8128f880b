package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
)

// RunsOptions holds flags for the runs list command.
type RunsOptions struct {
	*RootOptions
	Job    string
	Status string
	RunKey string
	Limit  int
}

// NewRunsCommand creates the runs command group.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newRunsListCommand(rootOpts))
	cmd.AddCommand(newRunsGetCommand(rootOpts))
	return cmd
}

func newRunsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Job, "job", "", "only runs of this job")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only runs in this status (queued|started|succeeded|failed)")
	cmd.Flags().StringVar(&opts.RunKey, "run-key", "", "only runs with this run key")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs")

	return cmd
}

func runRunsList(opts *RunsOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	status := models.RunStatus(strings.ToUpper(opts.Status))
	switch status {
	case "", models.RunStatusQueued, models.RunStatusStarted, models.RunStatusSucceeded, models.RunStatusFailed:
	default:
		return out.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("invalid status %q", opts.Status), nil)
	}

	st, err := openStore(opts.RootOptions, out)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), store.RunFilter{
		JobName: opts.Job,
		Status:  status,
		RunKey:  opts.RunKey,
		Limit:   opts.Limit,
	})
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "cannot list runs", err)
	}
	if runs == nil {
		runs = []models.Run{}
	}

	if out.IsJSON() {
		return out.Success(runs, "")
	}
	if len(runs) == 0 {
		return out.Success(nil, "No runs.")
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJOB\tSTATUS\tSOURCE\tCREATED\tRUN KEY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.JobName, r.Status, r.Tags[models.TagSource], r.CreatedAt.Format(time.RFC3339), r.RunKey)
	}
	return tw.Flush()
}

func newRunsGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run with its asset results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			st, err := openStore(rootOpts, out)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), args[0])
			if errors.Is(err, store.ErrRunNotFound) {
				return out.Fail(ExitCommandError, ErrCodeNotFound, "run not found", err)
			}
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "cannot read run", err)
			}
			return out.Success(run, formatRun(run))
		},
	}
}
