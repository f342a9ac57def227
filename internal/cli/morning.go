package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/morning"
)

// MorningOptions holds flags for the morning command.
type MorningOptions struct {
	*RootOptions
	Date string // YYYY-MM-DD, default today in the configured time zone
}

// NewMorningCommand creates the morning command.
func NewMorningCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MorningOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "morning",
		Short: "Predict the day's events and arm their settlement triggers",
		Long: `Run the daily orchestrator once.

Discovers the day's events, writes one pending prediction per event and arms
one settlement trigger per event at its scheduled time plus the settlement
offset. Safe to re-run: events that already have a prediction are skipped.

Exit codes:
  0 - Every event scheduled or already scheduled
  1 - Discovery failed or some events could not be scheduled
  2 - Configuration error

Examples:
  racewatch morning
  racewatch morning --date 2024-05-01 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				return runMorning(ctx, app, opts, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "date to run for (YYYY-MM-DD, default today)")

	return cmd
}

func runMorning(ctx context.Context, app *App, opts *MorningOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	date := opts.Date
	if date == "" {
		date = app.Today()
	}

	orch, err := app.Orchestrator()
	if err != nil {
		return f.Fail("morning run not started", err)
	}

	report, err := orch.RunMorning(ctx, date)
	if err != nil {
		app.ReportFailure(ctx, "morning "+date, err)
		return f.Fail("morning run failed", err)
	}

	if opts.Format == "json" {
		if err := f.Success(report); err != nil {
			return err
		}
	} else {
		outputMorningText(cmd, report)
	}

	if report.Errors > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("morning run for %s finished with %d error(s)", date, report.Errors))
	}
	return nil
}

func outputMorningText(cmd *cobra.Command, report morning.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Morning run for %s\n", report.Date)
	fmt.Fprintf(w, "  Scheduled: %d\n", report.EventsScheduled)
	fmt.Fprintf(w, "  Skipped:   %d (%d already predicted, %d unarmed)\n",
		report.EventsSkipped, report.AlreadyPredicted, report.Unarmed)
	fmt.Fprintf(w, "  Errors:    %d\n", report.Errors)
	for _, id := range report.Scheduled {
		fmt.Fprintf(w, "  ✓ %s\n", id)
	}
}
