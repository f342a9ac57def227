package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/record"
)

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Date    string
	Subject string
}

// DayRecords is the JSON payload of the records command.
type DayRecords struct {
	SubjectID   string                    `json:"subject_id"`
	Date        string                    `json:"date"`
	Predictions []record.PredictionRecord `json:"predictions"`
	Results     []record.ResultRecord     `json:"results"`
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Show one day's predictions and results",
		Long: `Show the prediction and result records of one subject for one day.

Examples:
  racewatch records
  racewatch records --date 2024-05-01 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				return runRecords(ctx, app, opts, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject id (default RACEWATCH_SUBJECT)")

	return cmd
}

func runRecords(ctx context.Context, app *App, opts *RecordsOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	day := DayRecords{SubjectID: opts.Subject, Date: opts.Date}
	if day.SubjectID == "" {
		day.SubjectID = app.Config.Subject
	}
	if day.Date == "" {
		day.Date = app.Today()
	}
	if _, err := time.Parse(record.DateLayout, day.Date); err != nil {
		_ = f.Error(ErrCodeGeneric, fmt.Sprintf("invalid date %q", day.Date), nil)
		return WrapExitError(ExitCommandError, "invalid date", err)
	}

	preds, err := app.Ledger.Predictions(ctx, day.SubjectID, day.Date)
	if err != nil {
		return f.Fail("read predictions", err)
	}
	all, err := app.Ledger.Results(ctx, day.SubjectID)
	if err != nil {
		return f.Fail("read results", err)
	}

	day.Predictions = append([]record.PredictionRecord{}, preds...)
	day.Results = []record.ResultRecord{}
	for _, r := range all {
		if r.Date == day.Date {
			day.Results = append(day.Results, r)
		}
	}

	if opts.Format == "json" {
		return f.Success(day)
	}
	outputRecordsText(cmd, day)
	return nil
}

func outputRecordsText(cmd *cobra.Command, day DayRecords) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "=== Predictions [%s] %s ===\n", day.SubjectID, day.Date)
	if len(day.Predictions) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for i, p := range day.Predictions {
		fmt.Fprintf(w, "  [%d] %s %s stake=%s bets=%d", i+1, p.EventID, p.Status, notify.Yen(p.Stake), len(p.Predicted.Bets))
		if p.FailureReason != "" {
			fmt.Fprintf(w, " reason=%q", p.FailureReason)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== Results [%s] %s ===\n", day.SubjectID, day.Date)
	if len(day.Results) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for i, r := range day.Results {
		fmt.Fprintf(w, "  [%d] %s %s hits=%d delta=%s\n", i+1, r.EventID, r.Actual.Result, r.Hits, notify.SignedYen(r.PayoutDelta))
	}
}
