package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/trigger"
)

// SweepReason is the failure reason recorded on predictions whose trigger
// was swept.
const SweepReason = "trigger swept after grace period"

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Grace time.Duration
}

// SweepResult is the JSON payload of the sweep command.
type SweepResult struct {
	Swept     []trigger.Handle `json:"swept"`
	Abandoned int              `json:"abandoned"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Disarm orphaned triggers and fail their predictions",
		Long: `Disarm triggers whose fire time is further in the past than the grace
period and mark their still-pending predictions failed.

Triggers under a live lease are left alone.

Examples:
  racewatch sweep
  racewatch sweep --grace 12h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				return runSweep(ctx, app, opts, cmd)
			})
		},
	}

	cmd.Flags().DurationVar(&opts.Grace, "grace", 0, "how long past its fire time a trigger may stay armed (default RACEWATCH_SWEEP_GRACE)")

	return cmd
}

func runSweep(ctx context.Context, app *App, opts *SweepOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	grace := opts.Grace
	if grace <= 0 {
		grace = app.Config.SweepGrace
	}

	// Predictions are failed before their triggers are disarmed; a trigger
	// whose prediction could not be written stays armed. Abandon never
	// fetches, so no event source is needed.
	worker := app.newWorker(app.Feed)
	result := SweepResult{Swept: []trigger.Handle{}}
	swept, err := app.Triggers.Sweep(ctx, grace, func(ctx context.Context, h trigger.Handle) error {
		if err := worker.Abandon(ctx, h, SweepReason); err != nil {
			return err
		}
		result.Abandoned++
		return nil
	})
	result.Swept = append(result.Swept, swept...)
	if err != nil {
		app.ReportFailure(ctx, "sweep", err)
		if opts.Format != "json" {
			fmt.Fprintf(cmd.OutOrStdout(), "Swept %d trigger(s); the rest stay armed for the next sweep.\n", len(swept))
		}
		return f.Fail("sweep incomplete", err)
	}

	if opts.Format == "json" {
		return f.Success(result)
	}

	w := cmd.OutOrStdout()
	if len(swept) == 0 {
		fmt.Fprintln(w, "No orphaned triggers.")
		return nil
	}
	fmt.Fprintf(w, "Swept %d trigger(s) older than %s:\n", len(swept), grace)
	for _, h := range swept {
		fmt.Fprintf(w, "  ✗ %s fire_at=%s attempts=%d\n", h.EventID, h.FireAt.UTC().Format(time.RFC3339), h.Attempt)
	}
	return nil
}
