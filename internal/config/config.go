// Package config loads racewatch settings from the environment, an optional
// .env file and an optional CUE policy file, in that order of precedence
// (policy overrides environment).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/morning"
	"github.com/roach88/racewatch/internal/record"
	"github.com/roach88/racewatch/internal/settle"
	"github.com/roach88/racewatch/internal/trigger"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	Namespace string `env:"RACEWATCH_NAMESPACE" envDefault:"race-settlement"`
	Subject   string `env:"RACEWATCH_SUBJECT"   envDefault:"3941"`
	TimeZone  string `env:"RACEWATCH_TIMEZONE"  envDefault:"Asia/Tokyo"`

	SettlementOffset time.Duration `env:"RACEWATCH_SETTLEMENT_OFFSET" envDefault:"20m"`
	MaxAttempts      int           `env:"RACEWATCH_MAX_ATTEMPTS"      envDefault:"6"`
	RetryDelay       time.Duration `env:"RACEWATCH_RETRY_DELAY"       envDefault:"10m"`
	RetryMaxDelay    time.Duration `env:"RACEWATCH_RETRY_MAX_DELAY"   envDefault:"1h"`
	FetchTimeout     time.Duration `env:"RACEWATCH_FETCH_TIMEOUT"     envDefault:"20s"`
	SweepGrace       time.Duration `env:"RACEWATCH_SWEEP_GRACE"       envDefault:"6h"`

	PollInterval    time.Duration `env:"RACEWATCH_POLL_INTERVAL"    envDefault:"5s"`
	LeaseTTL        time.Duration `env:"RACEWATCH_LEASE_TTL"        envDefault:"2m"`
	Workers         int           `env:"RACEWATCH_WORKERS"          envDefault:"4"`
	RedeliveryDelay time.Duration `env:"RACEWATCH_REDELIVERY_DELAY" envDefault:"1m"`

	DailyBudget int64 `env:"RACEWATCH_DAILY_BUDGET" envDefault:"10000"`
	BetUnit     int64 `env:"RACEWATCH_BET_UNIT"     envDefault:"100"`
	MaxBets     int   `env:"RACEWATCH_MAX_BETS"     envDefault:"3"`

	DBDriver    string `env:"RACEWATCH_DB_DRIVER"    envDefault:"sqlite"`
	DBPath      string `env:"RACEWATCH_DB_PATH"      envDefault:"racewatch.db"`
	PostgresURL string `env:"RACEWATCH_POSTGRES_URL"`

	FeedURL       string `env:"RACEWATCH_FEED_URL"`
	FeedFile      string `env:"RACEWATCH_FEED_FILE"`
	FeedRateLimit int    `env:"RACEWATCH_FEED_RATE_LIMIT" envDefault:"5"`

	DiscordWebhookURL string `env:"RACEWATCH_DISCORD_WEBHOOK_URL"`
	TelegramBotToken  string `env:"RACEWATCH_TELEGRAM_BOT_TOKEN"`
	TelegramChatID    int64  `env:"RACEWATCH_TELEGRAM_CHAT_ID"`

	LogLevel  string `env:"RACEWATCH_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"RACEWATCH_LOG_FORMAT" envDefault:"console"`

	PolicyFile string `env:"RACEWATCH_POLICY_FILE"`
}

// LoadOptions selects the optional files Load reads.
type LoadOptions struct {
	// EnvFile is loaded into the process environment before parsing. When
	// empty, ".env" is loaded if it exists.
	EnvFile string

	// PolicyFile overrides RACEWATCH_POLICY_FILE.
	PolicyFile string
}

// Load builds and validates a Config.
func Load(opts LoadOptions) (Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fault.Wrap(fault.KindConfiguration, "config.env", err)
	}

	if opts.PolicyFile != "" {
		cfg.PolicyFile = opts.PolicyFile
	}
	if cfg.PolicyFile != "" {
		p, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return Config{}, err
		}
		if err := p.Apply(&cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fault.Wrap(fault.KindConfiguration, "config.dotenv", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fault.Wrap(fault.KindConfiguration, "config.dotenv", err)
	}
	return nil
}

// Validate checks the configuration for values no component can run with.
func (c Config) Validate() error {
	const op = "config.validate"
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Namespace) != "", "namespace is required")
	check(strings.TrimSpace(c.Subject) != "", "subject is required")
	_, tzErr := time.LoadLocation(c.TimeZone)
	check(tzErr == nil, "unknown time zone %q", c.TimeZone)

	check(c.SettlementOffset > 0, "settlement offset must be positive")
	check(c.MaxAttempts > 0, "max attempts must be positive")
	check(c.RetryDelay > 0, "retry delay must be positive")
	check(c.RetryMaxDelay >= c.RetryDelay, "retry max delay must not be below retry delay")
	check(c.FetchTimeout > 0, "fetch timeout must be positive")
	check(c.SweepGrace > 0, "sweep grace must be positive")

	check(c.PollInterval > 0, "poll interval must be positive")
	check(c.LeaseTTL > c.FetchTimeout, "lease ttl must exceed the fetch timeout")
	check(c.Workers > 0, "workers must be positive")
	check(c.RedeliveryDelay > 0, "redelivery delay must be positive")

	check(c.BetUnit > 0, "bet unit must be positive")
	check(c.DailyBudget >= c.BetUnit, "daily budget must cover at least one bet unit")
	check(c.MaxBets > 0, "max bets must be positive")

	switch c.DBDriver {
	case DriverSQLite:
		check(c.DBPath != "", "db path is required for sqlite")
	case DriverPostgres:
		check(c.PostgresURL != "", "postgres url is required for the postgres driver")
	default:
		check(false, "unknown db driver %q", c.DBDriver)
	}
	check(c.FeedURL == "" || c.FeedFile == "", "set either a feed url or a feed file, not both")
	check(c.FeedRateLimit > 0, "feed rate limit must be positive")
	check((c.TelegramBotToken == "") == (c.TelegramChatID == 0), "telegram needs both a bot token and a chat id")

	_, lvlErr := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	check(lvlErr == nil, "unknown log level %q", c.LogLevel)
	check(c.LogFormat == "console" || c.LogFormat == "json", "log format must be console or json")

	if len(problems) > 0 {
		return fault.New(fault.KindConfiguration, op, strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the configured time zone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Today returns now's date in the configured time zone.
func (c Config) Today(now time.Time) string {
	return record.FormatDate(now, c.Location())
}

// Settle returns the settlement worker configuration.
func (c Config) Settle() settle.Config {
	return settle.Config{
		MaxAttempts:   c.MaxAttempts,
		RetryDelay:    c.RetryDelay,
		RetryMaxDelay: c.RetryMaxDelay,
		FetchTimeout:  c.FetchTimeout,
	}
}

// Morning returns the daily orchestrator configuration.
func (c Config) Morning() morning.Config {
	return morning.Config{
		DefaultSubject:   c.Subject,
		SettlementOffset: c.SettlementOffset,
		DailyBudget:      c.DailyBudget,
		BetUnit:          c.BetUnit,
		Location:         c.Location(),
	}
}

// Dispatcher returns the trigger dispatcher configuration.
func (c Config) Dispatcher() trigger.DispatcherConfig {
	return trigger.DispatcherConfig{
		PollInterval:    c.PollInterval,
		Workers:         c.Workers,
		RedeliveryDelay: c.RedeliveryDelay,
	}
}
