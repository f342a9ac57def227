package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/record"
	"github.com/roach88/racewatch/internal/settle"
	"github.com/roach88/racewatch/internal/trigger"
)

// SettleOptions holds flags for the settle command.
type SettleOptions struct {
	*RootOptions
	Subject string
	Date    string
}

// SettleResult is the JSON payload of the settle command.
type SettleResult struct {
	SubjectID   string             `json:"subject_id"`
	EventID     string             `json:"event_id"`
	TriggerID   string             `json:"trigger_id"`
	Attempt     int                `json:"attempt"`
	Disposition settle.Disposition `json:"disposition"`
}

// NewSettleCommand creates the settle command.
func NewSettleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SettleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "settle <event-id>",
		Short: "Fire one event's settlement trigger now",
		Long: `Fire the settlement trigger of one event immediately, regardless of its
fire time, and run the settlement worker on it.

An outcome that is not published yet re-arms the trigger with backoff, exactly
as a scheduled delivery would. An event that was already settled is reported
as a duplicate and changes nothing.

The trigger is looked up by subject and event id. Without --date the earliest
armed trigger of the event wins.

Exit codes:
  0 - Settled, duplicate or stale
  1 - Retry scheduled, settlement failed, or the ledger could not be written
  2 - No armed trigger for the event, or configuration error

Examples:
  racewatch settle 20240501-01-12
  racewatch settle 20240501-01-12 --subject 4028 --date 2024-05-01
  racewatch settle 20240501-01-12 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				return runSettle(ctx, app, opts, args[0], cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject whose trigger to fire (default RACEWATCH_SUBJECT)")
	cmd.Flags().StringVar(&opts.Date, "date", "", "event date, YYYY-MM-DD (default: any date)")

	return cmd
}

func runSettle(ctx context.Context, app *App, opts *SettleOptions, eventID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	target := trigger.Target{SubjectID: opts.Subject, EventID: eventID, Date: opts.Date}
	if target.SubjectID == "" {
		target.SubjectID = app.Config.Subject
	}
	if target.Date != "" {
		if _, err := time.Parse(record.DateLayout, target.Date); err != nil {
			_ = f.Error(ErrCodeGeneric, fmt.Sprintf("invalid date %q", target.Date), nil)
			return WrapExitError(ExitCommandError, "invalid date", err)
		}
	}

	var disposition settle.Disposition
	worker, err := app.Worker(settle.WithObserver(func(_ trigger.Handle, d settle.Disposition) {
		disposition = d
	}))
	if err != nil {
		return f.Fail("settlement not started", err)
	}

	h, err := app.Triggers.Fire(ctx, target)
	if err != nil {
		if fault.IsNotFound(err) {
			msg := fmt.Sprintf("no armed trigger for event %s (subject %s)", eventID, target.SubjectID)
			_ = f.Error(ErrCodeNotFound, msg, nil)
			return WrapExitError(ExitCommandError, msg, err)
		}
		return f.Fail("fire trigger", err)
	}
	f.VerboseLog("Fired trigger %s for %s (attempt %d)", h.ID, h.EventID, h.Attempt)

	ok := app.Dispatcher(worker).Deliver(ctx, h)

	result := SettleResult{
		SubjectID:   h.SubjectID,
		EventID:     h.EventID,
		TriggerID:   h.ID,
		Attempt:     h.Attempt,
		Disposition: disposition,
	}
	if opts.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		mark := "✓"
		if !settled(ok, disposition) {
			mark = "✗"
		}
		shown := string(disposition)
		if !ok {
			shown = "error, re-armed"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s attempt %d: %s\n", mark, h.EventID, h.Attempt, shown)
	}

	switch {
	case !ok:
		return NewExitError(ExitFailure, fmt.Sprintf("settlement of %s could not be recorded, trigger re-armed", eventID))
	case !settled(ok, disposition):
		return NewExitError(ExitFailure, fmt.Sprintf("event %s not settled: %s", eventID, disposition))
	}
	return nil
}

// settled reports whether a delivery resolved the event for good.
func settled(delivered bool, d settle.Disposition) bool {
	if !delivered {
		return false
	}
	switch d {
	case settle.DispositionSettled, settle.DispositionDuplicate, settle.DispositionStale:
		return true
	}
	return false
}
