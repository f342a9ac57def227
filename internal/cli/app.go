package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/racewatch/internal/balance"
	"github.com/roach88/racewatch/internal/config"
	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/logging"
	"github.com/roach88/racewatch/internal/morning"
	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/platform/httpclient"
	"github.com/roach88/racewatch/internal/predict"
	"github.com/roach88/racewatch/internal/settle"
	"github.com/roach88/racewatch/internal/source"
	"github.com/roach88/racewatch/internal/store"
	"github.com/roach88/racewatch/internal/store/pgstore"
	"github.com/roach88/racewatch/internal/trigger"
)

// backend is a storage driver holding both ledger records and triggers.
type backend interface {
	ledger.Store
	trigger.Store
	Close() error
}

// App is the wired component graph one command runs against.
type App struct {
	Config   config.Config
	Log      zerolog.Logger
	Ledger   *ledger.Ledger
	Triggers *trigger.Manager
	Notifier *notify.Notifier

	// Feed is nil when neither a feed url nor a feed file is configured.
	Feed source.Feed

	store backend
}

// OpenApp loads configuration and wires storage, the event source,
// notification sinks and the trigger manager.
func OpenApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*App, error) {
	cfg, err := config.Load(config.LoadOptions{EnvFile: opts.EnvFile, PolicyFile: opts.Policy})
	if err != nil {
		return nil, err
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.LogFormat, logOut)
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = trigger.SystemClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = trigger.UUIDv7Generator{}
	}

	st, err := openBackend(ctx, cfg, clock)
	if err != nil {
		return nil, err
	}

	feed, err := openFeed(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	sinks := opts.Sinks
	if sinks == nil {
		sinks, err = buildSinks(cfg, log)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	app := &App{
		Config:   cfg,
		Log:      log,
		Ledger:   ledger.New(st),
		Notifier: notify.NewNotifier(log, sinks...),
		Feed:     feed,
		store:    st,
	}
	app.Triggers = trigger.NewManager(st, cfg.Namespace,
		trigger.WithClock(clock),
		trigger.WithIDGenerator(ids),
		trigger.WithLeaseTTL(cfg.LeaseTTL),
		trigger.WithLogger(log),
	)

	log.Debug().
		Str("driver", cfg.DBDriver).
		Str("namespace", cfg.Namespace).
		Bool("feed", feed != nil).
		Strs("sinks", app.Notifier.Sinks()).
		Msg("app ready")
	return app, nil
}

func openBackend(ctx context.Context, cfg config.Config, clock trigger.Clock) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.Open(cfg.DBPath, store.WithClock(clock.Now))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.DBPath, err)
		}
		return s, nil
	}
}

func openFeed(cfg config.Config, log zerolog.Logger) (source.Feed, error) {
	switch {
	case cfg.FeedURL != "":
		client := httpclient.NewClient(httpclient.Options{
			Timeout:        cfg.FetchTimeout,
			RequestsPerSec: cfg.FeedRateLimit,
			MaxElapsedTime: cfg.FetchTimeout,
		})
		feed, err := source.NewHTTPFeed(cfg.FeedURL, client, log)
		if err != nil {
			return nil, err
		}
		return feed, nil
	case cfg.FeedFile != "":
		feed, err := source.LoadFileFeed(cfg.FeedFile)
		if err != nil {
			return nil, err
		}
		return feed, nil
	}
	return nil, nil
}

// buildSinks returns the configured sinks, or a log sink when none is set.
// A Telegram bot that cannot be reached is skipped so a run never fails on
// its notification channel.
func buildSinks(cfg config.Config, log zerolog.Logger) ([]notify.Sink, error) {
	var sinks []notify.Sink
	if cfg.DiscordWebhookURL != "" {
		s, err := notify.NewDiscordSink(cfg.DiscordWebhookURL,
			httpclient.NewClient(httpclient.Options{Timeout: 10 * time.Second}))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.TelegramBotToken != "" {
		s, err := notify.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("telegram sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, notify.NewLogSink(log))
	}
	return sinks, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// Today returns the current date in the configured time zone.
func (a *App) Today() string {
	return a.Config.Today(a.Triggers.Now())
}

// RequireFeed returns the event source or a CONFIGURATION error.
func (a *App) RequireFeed() (source.Feed, error) {
	if a.Feed == nil {
		return nil, fault.New(fault.KindConfiguration, "cli.feed",
			"no event source configured: set RACEWATCH_FEED_URL or RACEWATCH_FEED_FILE")
	}
	return a.Feed, nil
}

// Worker creates the Settlement Worker. It needs an event source.
func (a *App) Worker(opts ...settle.Option) (*settle.Worker, error) {
	feed, err := a.RequireFeed()
	if err != nil {
		return nil, err
	}
	return a.newWorker(feed, opts...), nil
}

func (a *App) newWorker(fetcher source.OutcomeFetcher, opts ...settle.Option) *settle.Worker {
	base := []settle.Option{
		settle.WithNotifier(a.Notifier),
		settle.WithLogger(a.Log),
	}
	return settle.NewWorker(a.Ledger, fetcher, a.Triggers, a.Config.Settle(), append(base, opts...)...)
}

// Dispatcher creates a trigger dispatcher delivering to h.
func (a *App) Dispatcher(h trigger.Handler) *trigger.Dispatcher {
	return trigger.NewDispatcher(a.Triggers, h, a.Config.Dispatcher(), a.Log)
}

// Orchestrator creates the Daily Orchestrator. It needs an event source.
func (a *App) Orchestrator() (*morning.Orchestrator, error) {
	feed, err := a.RequireFeed()
	if err != nil {
		return nil, err
	}
	return morning.NewOrchestrator(a.Ledger, feed,
		predict.SplitPredictor{Unit: a.Config.BetUnit, MaxBets: a.Config.MaxBets},
		a.Triggers,
		a.Config.Morning(),
		morning.WithNotifier(a.Notifier),
		morning.WithLogger(a.Log),
	), nil
}

// Balances creates the Balance Aggregator.
func (a *App) Balances() *balance.Aggregator {
	return balance.NewAggregator(a.Ledger)
}

// ReportFailure logs a failed command and notifies the configured sinks.
func (a *App) ReportFailure(ctx context.Context, command string, err error) {
	a.Log.Error().Err(err).Str("command", command).Msg("command failed")
	a.Notifier.Notify(ctx, notify.RunFailedMessage(command, err))
}
