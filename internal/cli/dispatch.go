package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/trigger"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Once bool
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver due settlement triggers",
		Long: `Deliver due settlement triggers to the settlement worker.

Without --once the dispatcher polls until interrupted; in-flight settlements
finish before it exits. With --once it delivers every trigger due now and
exits, for cron-style scheduling.

Examples:
  racewatch dispatch
  racewatch dispatch --once --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				return runDispatch(ctx, app, opts, cmd)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "deliver due triggers once and exit")

	return cmd
}

func runDispatch(ctx context.Context, app *App, opts *DispatchOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	worker, err := app.Worker()
	if err != nil {
		return f.Fail("dispatcher not started", err)
	}
	d := app.Dispatcher(worker)

	if opts.Once {
		stats, err := d.RunOnce(ctx)
		if err != nil {
			app.ReportFailure(ctx, "dispatch", err)
			return f.Fail("dispatch failed", err)
		}
		if opts.Format == "json" {
			if err := f.Success(stats); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Handled %d trigger(s): %d delivered, %d re-armed\n",
				stats.Delivered+stats.Failed, stats.Delivered, stats.Failed)
		}
		if stats.Failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d delivery(ies) failed and were re-armed", stats.Failed))
		}
		return nil
	}

	return runDispatcherLoop(ctx, app, d, cmd)
}

// runDispatcherLoop runs d until SIGINT/SIGTERM or ctx cancellation.
func runDispatcherLoop(parent context.Context, app *App, d *trigger.Dispatcher, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			app.Log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Dispatcher started. Delivering due triggers...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.ReportFailure(parent, "dispatch", err)
		return WrapExitError(ExitFailure, "dispatcher error", err)
	}

	app.Log.Info().Msg("dispatcher stopped gracefully")
	return nil
}
