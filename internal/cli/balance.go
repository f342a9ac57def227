package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/record"
)

// BalanceOptions holds flags for the balance command.
type BalanceOptions struct {
	*RootOptions
	From    string
	To      string
	Subject string
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BalanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the running balance",
		Long: `Sum the payout deltas of every settled result in a date window.

Both bounds are inclusive and optional; an empty window covers every result.

Examples:
  racewatch balance
  racewatch balance --from 2024-05-01 --to 2024-05-31
  racewatch balance --subject 3941 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				return runBalance(ctx, app, opts, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "first date of the window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last date of the window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject id (default RACEWATCH_SUBJECT)")

	return cmd
}

func runBalance(ctx context.Context, app *App, opts *BalanceOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	subject := opts.Subject
	if subject == "" {
		subject = app.Config.Subject
	}
	window := record.Window{From: opts.From, To: opts.To}
	if err := window.Validate(); err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid window", err)
	}

	view, err := app.Balances().View(ctx, subject, window)
	if err != nil {
		return f.Fail("balance", err)
	}

	if opts.Format == "json" {
		return f.Success(view)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", subject, notify.BalanceLine(view))
	return nil
}
