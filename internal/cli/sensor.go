package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/sensor"
)

// SensorOptions holds flags for the sensor evaluate command.
type SensorOptions struct {
	*RootOptions
	Execute bool
}

// SensorEvaluation is the result printed by sensor evaluate.
type SensorEvaluation struct {
	Sensor  string             `json:"sensor"`
	Fired   bool               `json:"fired"`
	RunKey  string             `json:"run_key,omitempty"`
	Skipped *models.SkipReason `json:"skipped,omitempty"`
	Run     *models.Run        `json:"run,omitempty"`
}

// NewSensorCommand creates the sensor command group.
func NewSensorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Evaluate sensors by hand",
	}
	cmd.AddCommand(newSensorEvaluateCommand(rootOpts))
	return cmd
}

func newSensorEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SensorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate <sensor>",
		Short: "Evaluate a sensor once against the persisted cursor",
		Long: `Evaluate a sensor once, exactly as the daemon would.

A fire advances the persisted cursor once its run is recorded. With --execute
the requested run is materialized in the foreground; otherwise it is only
queued for the daemon.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSensorEvaluate(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Execute, "execute", false, "run the requested job now")
	return cmd
}

func runSensorEvaluate(opts *SensorOptions, name string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	a, err := openApp(opts.RootOptions, out, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var def *sensor.Definition
	for _, d := range a.defs.Sensors() {
		if d.Name == name {
			def = &d
			break
		}
	}
	if def == nil {
		return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("unknown sensor %q", name), nil)
	}

	s := sensor.NewFreshness(*def, a.store, sensor.WithLogger(logger))
	now := engine.SystemClock{}.Now()
	res, err := s.Evaluate(cmd.Context(), now)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeSensor, "sensor evaluation failed", err)
	}

	ev := SensorEvaluation{Sensor: name, Skipped: res.Skip}
	if res.Skip != nil {
		return out.Success(ev, fmt.Sprintf("- %s skipped: %s", name, res.Skip.Message))
	}

	ev.Fired = true
	ev.RunKey = res.Request.RunKey
	if !opts.Execute {
		id, deduped, err := a.engine.Submit(cmd.Context(), def.JobName, *res.Request)
		if err != nil {
			return out.Fail(ExitFailure, ErrCodeGeneric, "submit failed", err)
		}
		if err := s.Fired(cmd.Context(), now); err != nil {
			return out.Fail(ExitFailure, ErrCodeSensor, "sensor cursor update failed", err)
		}
		if ev.Run, err = a.engine.GetRun(cmd.Context(), id); err != nil {
			return out.Fail(ExitCommandError, ErrCodeStore, "cannot read run", err)
		}
		text := fmt.Sprintf("✓ %s fired: run %s queued (run key %s)", name, id, ev.RunKey)
		if deduped {
			text = fmt.Sprintf("✓ %s fired: run key %s already has run %s", name, ev.RunKey, id)
		}
		return out.Success(ev, text)
	}

	run, err := a.engine.Materialize(cmd.Context(), def.JobName, *res.Request)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "run could not execute", err)
	}
	if err := s.Fired(cmd.Context(), now); err != nil {
		return out.Fail(ExitFailure, ErrCodeSensor, "sensor cursor update failed", err)
	}
	ev.Run = run
	if err := out.Success(ev, fmt.Sprintf("✓ %s fired\n%s", name, formatRun(run))); err != nil {
		return err
	}
	if run.Status == models.RunStatusFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s failed [%s]", run.ID, ErrCodeRunFailed))
	}
	return nil
}
