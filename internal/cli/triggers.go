package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/trigger"
)

// NewTriggersCommand creates the triggers command.
func NewTriggersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "List armed settlement triggers",
		Long: `List every trigger in the configured namespace, ordered by fire time.

Examples:
  racewatch triggers
  racewatch triggers --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				return runTriggers(ctx, app, rootOpts, cmd)
			})
		},
	}

	return cmd
}

func runTriggers(ctx context.Context, app *App, opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	handles, err := app.Triggers.ListArmed(ctx, app.Triggers.Namespace())
	if err != nil {
		return f.Fail("list triggers", err)
	}

	if opts.Format == "json" {
		if handles == nil {
			handles = []trigger.Handle{}
		}
		return f.Success(handles)
	}

	w := cmd.OutOrStdout()
	if len(handles) == 0 {
		fmt.Fprintln(w, "No armed triggers.")
		return nil
	}

	fmt.Fprintf(w, "=== Triggers (%s) ===\n", app.Triggers.Namespace())
	for _, h := range handles {
		fmt.Fprintf(w, "  %s  %s  %-6s attempt=%d  %s\n",
			h.FireAt.In(app.Config.Location()).Format(time.DateTime),
			h.EventID, h.State, h.Attempt, h.ID)
	}
	return nil
}
