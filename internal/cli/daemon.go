package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/controlplane"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/daemon"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	HTTPAddr string
	NoHTTP   bool
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run schedules, sensors and queued runs until interrupted",
		Long: `Start the long-running orchestrator.

Every tick the daemon evaluates the daily schedule and the freshness sensor
and submits the runs they request. Runs execute in the background, at most
daemon.max_concurrent_runs at a time. Runs left queued by a previous process
are picked up on start. The HTTP API serves run status and manual submits.

Example:
  ccpipe daemon --config ccpipe.yaml
  ccpipe daemon --http-addr 0.0.0.0:3000 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "http-addr", "", "HTTP API listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "do not serve the HTTP API")

	return cmd
}

func runDaemon(opts *DaemonOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	a, err := openApp(opts.RootOptions, out, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	d := daemon.New(a.engine, a.store,
		daemon.WithInterval(a.cfg.Daemon.TickInterval.Std()),
		daemon.WithLogger(logger),
	)

	var srv *controlplane.Server
	httpErr := make(chan error, 1)
	if !opts.NoHTTP {
		addr := a.cfg.Daemon.HTTPAddr
		if opts.HTTPAddr != "" {
			addr = opts.HTTPAddr
		}
		srv = controlplane.NewServer(a.engine, a.store, addr,
			controlplane.WithDaemon(d),
			controlplane.WithLogger(logger),
		)
		go func() { httpErr <- srv.Start() }()
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Daemon started. Press Ctrl-C to stop.")

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-httpErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
			err = fmt.Errorf("http server: %w", err)
		}
		cancel()
		if derr := <-runErr; err == nil {
			err = derr
		}
	}

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
			logger.Error("http shutdown failed", "error", serr)
		}
	}

	if err != nil {
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	logger.Info("daemon stopped gracefully")
	return nil
}
