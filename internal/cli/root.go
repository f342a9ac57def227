package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/trigger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	EnvFile string // .env file loaded before RACEWATCH_* variables are read
	Policy  string // CUE policy file overriding RACEWATCH_POLICY_FILE
	DB      string // SQLite path overriding RACEWATCH_DB_PATH

	// Clock and IDs override the wall clock and trigger id generator (for
	// testing). If nil, SystemClock and UUIDv7Generator are used.
	Clock trigger.Clock
	IDs   trigger.IDGenerator

	// Sinks replaces the configured notification sinks (for testing).
	Sinks []notify.Sink
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the racewatch CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "racewatch",
		Short: "racewatch - daily predictions settled by one-shot triggers",
		Long: `Predict the day's events each morning, settle every prediction when its
own one-shot trigger fires, and report the running balance.

Settings come from RACEWATCH_* environment variables, an optional .env file
and an optional CUE policy file.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "env file to load (default .env if present)")
	cmd.PersistentFlags().StringVar(&opts.Policy, "policy", "", "CUE policy file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "SQLite database path")

	// Add subcommands
	cmd.AddCommand(NewMorningCommand(opts))
	cmd.AddCommand(NewDispatchCommand(opts))
	cmd.AddCommand(NewSettleCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewTriggersCommand(opts))
	cmd.AddCommand(NewBalanceCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// formatter returns an OutputFormatter bound to cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// withApp opens the application for one command and closes it afterwards.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := OpenApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return opts.formatter(cmd).Fail("failed to start", err)
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			app.Log.Error().Err(closeErr).Msg("error closing store")
		}
	}()
	return fn(ctx, app)
}
