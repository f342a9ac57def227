package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/racewatch/internal/config"
	"github.com/roach88/racewatch/internal/source"
)

// ConfigSummary is the effective configuration with secrets redacted.
type ConfigSummary struct {
	Namespace        string `json:"namespace"`
	Subject          string `json:"subject"`
	TimeZone         string `json:"time_zone"`
	SettlementOffset string `json:"settlement_offset"`
	MaxAttempts      int    `json:"max_attempts"`
	RetryDelay       string `json:"retry_delay"`
	RetryMaxDelay    string `json:"retry_max_delay"`
	FetchTimeout     string `json:"fetch_timeout"`
	SweepGrace       string `json:"sweep_grace"`
	DailyBudget      int64  `json:"daily_budget"`
	BetUnit          int64  `json:"bet_unit"`
	MaxBets          int    `json:"max_bets"`
	Storage          string `json:"storage"`
	Feed             string `json:"feed"`
	FeedEvents       int    `json:"feed_events,omitempty"`
	Discord          bool   `json:"discord"`
	Telegram         bool   `json:"telegram"`
	Policy           string `json:"policy,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration and policy without running anything",
		Long: `Load RACEWATCH_* settings, the .env file and the CUE policy file, check
them, and print the effective configuration with secrets redacted.

A configured feed file is parsed as well.

Exit codes:
  0 - Configuration valid
  2 - Configuration invalid

Examples:
  racewatch validate
  racewatch validate --policy policy.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := config.Load(config.LoadOptions{EnvFile: opts.EnvFile, PolicyFile: opts.Policy})
	if err != nil {
		if opts.Format != "json" {
			fmt.Fprintln(cmd.OutOrStdout(), "✗ Configuration invalid")
		}
		return f.Fail("configuration invalid", err)
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}

	summary := summarize(cfg)
	if cfg.FeedFile != "" {
		feed, err := source.LoadFileFeed(cfg.FeedFile)
		if err != nil {
			if opts.Format != "json" {
				fmt.Fprintln(cmd.OutOrStdout(), "✗ Feed file invalid")
			}
			return f.Fail("feed file invalid", err)
		}
		summary.FeedEvents = feed.Len()
	}
	f.VerboseLog("Loaded configuration (policy=%q)", cfg.PolicyFile)

	if opts.Format == "json" {
		return f.Success(summary)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "✓ Configuration valid")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  namespace:         %s\n", summary.Namespace)
	fmt.Fprintf(w, "  subject:           %s\n", summary.Subject)
	fmt.Fprintf(w, "  time zone:         %s\n", summary.TimeZone)
	fmt.Fprintf(w, "  settlement offset: %s\n", summary.SettlementOffset)
	fmt.Fprintf(w, "  retries:           %d attempts, %s to %s\n", summary.MaxAttempts, summary.RetryDelay, summary.RetryMaxDelay)
	fmt.Fprintf(w, "  sweep grace:       %s\n", summary.SweepGrace)
	fmt.Fprintf(w, "  budget:            %d (unit %d, max %d bets)\n", summary.DailyBudget, summary.BetUnit, summary.MaxBets)
	fmt.Fprintf(w, "  storage:           %s\n", summary.Storage)
	fmt.Fprintf(w, "  feed:              %s\n", summary.Feed)
	fmt.Fprintf(w, "  discord:           %t\n", summary.Discord)
	fmt.Fprintf(w, "  telegram:          %t\n", summary.Telegram)
	return nil
}

func summarize(cfg config.Config) ConfigSummary {
	s := ConfigSummary{
		Namespace:        cfg.Namespace,
		Subject:          cfg.Subject,
		TimeZone:         cfg.TimeZone,
		SettlementOffset: cfg.SettlementOffset.String(),
		MaxAttempts:      cfg.MaxAttempts,
		RetryDelay:       cfg.RetryDelay.String(),
		RetryMaxDelay:    cfg.RetryMaxDelay.String(),
		FetchTimeout:     cfg.FetchTimeout.String(),
		SweepGrace:       cfg.SweepGrace.String(),
		DailyBudget:      cfg.DailyBudget,
		BetUnit:          cfg.BetUnit,
		MaxBets:          cfg.MaxBets,
		Discord:          cfg.DiscordWebhookURL != "",
		Telegram:         cfg.TelegramBotToken != "",
		Policy:           cfg.PolicyFile,
	}

	switch cfg.DBDriver {
	case config.DriverPostgres:
		s.Storage = "postgres (url redacted)"
	default:
		s.Storage = "sqlite " + cfg.DBPath
	}

	switch {
	case cfg.FeedURL != "":
		s.Feed = "http " + cfg.FeedURL
	case cfg.FeedFile != "":
		s.Feed = "file " + cfg.FeedFile
	default:
		s.Feed = "none"
	}
	return s
}
