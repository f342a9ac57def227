// Package settle is the Settlement Worker: the trigger.Handler that resolves
// one event's prediction against its published outcome.
//
// Settlement is safe under duplicate and late delivery. The result write is
// a conditional put, so however often a trigger fires at most one
// ResultRecord exists per event and the balance never double-counts.
package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/roach88/racewatch/internal/balance"
	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/record"
	"github.com/roach88/racewatch/internal/source"
	"github.com/roach88/racewatch/internal/trigger"
)

// Config bounds retries and outbound calls.
type Config struct {
	// MaxAttempts is how many deliveries may end without an outcome before
	// the prediction is marked failed.
	MaxAttempts int

	// RetryDelay is the delay before the first retry. Later retries back off
	// exponentially.
	RetryDelay time.Duration

	// RetryMaxDelay caps a single retry delay.
	RetryMaxDelay time.Duration

	// FetchTimeout bounds one Outcome Fetcher call. Hitting it counts as
	// "not yet available".
	FetchTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   6,
		RetryDelay:    10 * time.Minute,
		RetryMaxDelay: time.Hour,
		FetchTimeout:  20 * time.Second,
	}
}

// Validate checks that every bound is positive.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts <= 0:
		return fault.New(fault.KindConfiguration, "settle.config", "max attempts must be positive")
	case c.RetryDelay <= 0:
		return fault.New(fault.KindConfiguration, "settle.config", "retry delay must be positive")
	case c.RetryMaxDelay < c.RetryDelay:
		return fault.New(fault.KindConfiguration, "settle.config", "retry max delay must not be below retry delay")
	case c.FetchTimeout <= 0:
		return fault.New(fault.KindConfiguration, "settle.config", "fetch timeout must be positive")
	}
	return nil
}

// RetryDelayFor returns the delay after the given delivery attempt (1-based):
// RetryDelay doubled per attempt, capped at RetryMaxDelay.
func (c Config) RetryDelayFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Disposition is what one delivery did.
type Disposition string

const (
	DispositionSettled   Disposition = "settled"
	DispositionDuplicate Disposition = "duplicate"
	DispositionRetry     Disposition = "retry"
	DispositionFailed    Disposition = "failed"
	DispositionStale     Disposition = "stale"
)

// Worker settles events delivered by the trigger dispatcher.
type Worker struct {
	ledger   *ledger.Ledger
	fetcher  source.OutcomeFetcher
	triggers *trigger.Manager
	balances *balance.Aggregator
	notifier *notify.Notifier
	cfg      Config
	log      zerolog.Logger
	observe  func(trigger.Handle, Disposition)
}

var _ trigger.Handler = (*Worker)(nil)

// Option configures a Worker.
type Option func(*Worker)

// WithNotifier sets where settlement and failure summaries go.
func WithNotifier(n *notify.Notifier) Option {
	return func(w *Worker) {
		w.notifier = n
	}
}

// WithLogger sets the logger. Default: disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) {
		w.log = l
	}
}

// WithObserver registers a callback told the disposition of every delivery.
func WithObserver(fn func(trigger.Handle, Disposition)) Option {
	return func(w *Worker) {
		w.observe = fn
	}
}

// NewWorker creates a Worker. The trigger manager's clock stamps results.
func NewWorker(l *ledger.Ledger, fetcher source.OutcomeFetcher, triggers *trigger.Manager, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		ledger:   l,
		fetcher:  fetcher,
		triggers: triggers,
		balances: balance.NewAggregator(l),
		cfg:      cfg,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With().Str("component", "settle").Logger()
	return w
}

// OnTrigger implements trigger.Handler.
//
// A nil return means the delivery is finished: the trigger was disarmed or
// re-armed for a retry. An error means the ledger or trigger store could not
// be written, and the dispatcher redelivers.
func (w *Worker) OnTrigger(ctx context.Context, h trigger.Handle) error {
	disposition, err := w.settle(ctx, h)
	if err != nil {
		return err
	}
	if w.observe != nil {
		w.observe(h, disposition)
	}
	return nil
}

func (w *Worker) settle(ctx context.Context, h trigger.Handle) (Disposition, error) {
	t := h.TargetOf()
	log := w.log.With().
		Str("subject_id", t.SubjectID).
		Str("event_id", t.EventID).
		Str("trigger_id", h.ID).
		Int("attempt", h.Attempt).
		Logger()

	pred, err := w.ledger.Prediction(ctx, t.SubjectID, t.Date, t.EventID)
	predicted := true
	switch {
	case fault.IsNotFound(err):
		predicted = false
		log.Warn().Msg("trigger fired for an event with no prediction")
	case err != nil:
		return "", fmt.Errorf("settle %s: %w", t.EventID, err)
	case pred.Status != record.StatusPending:
		log.Info().Str("status", string(pred.Status)).Msg("prediction already resolved, disarming")
		if err := w.triggers.Disarm(ctx, h.ID); err != nil {
			return "", err
		}
		return DispositionStale, nil
	}

	out, err := w.fetch(ctx, t.EventID)
	if err != nil {
		return w.onFetchError(ctx, log, h, pred, predicted, err)
	}

	now := w.triggers.Now()
	var res record.ResultRecord
	if predicted {
		res = record.NewResult(pred, out, now)
	} else {
		res = record.NewUnpredictedResult(t.SubjectID, t.Date, t.EventID, out, now)
	}

	err = w.ledger.CreateResult(ctx, res)
	if fault.IsAlreadyExists(err) {
		log.Info().Msg("result already recorded, duplicate delivery")
		if predicted {
			// A previous run wrote the result but crashed before the status.
			if err := w.markSettled(ctx, pred, now); err != nil {
				return "", err
			}
		}
		if err := w.triggers.Disarm(ctx, h.ID); err != nil {
			return "", err
		}
		return DispositionDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("settle %s: %w", t.EventID, err)
	}

	if predicted {
		if err := w.markSettled(ctx, pred, now); err != nil {
			return "", err
		}
	}
	if err := w.triggers.Disarm(ctx, h.ID); err != nil {
		return "", err
	}

	log.Info().
		Str("result", out.Result).
		Int64("payout_delta", res.PayoutDelta).
		Int("hits", res.Hits).
		Msg("settled")
	w.notifySettled(ctx, log, res, pred, predicted)
	return DispositionSettled, nil
}

func (w *Worker) fetch(ctx context.Context, eventID string) (record.Outcome, error) {
	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	out, err := w.fetcher.FetchOutcome(fctx, eventID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return record.Outcome{}, fault.Wrap(fault.KindNotYetAvailable, "settle.fetch", err)
	}
	return out, err
}

func (w *Worker) onFetchError(ctx context.Context, log zerolog.Logger, h trigger.Handle, pred record.PredictionRecord, predicted bool, err error) (Disposition, error) {
	if !fault.IsNotFound(err) && h.Attempt < w.cfg.MaxAttempts {
		delay := w.cfg.RetryDelayFor(h.Attempt)
		retryAt := w.triggers.Now().Add(delay)
		if rerr := w.triggers.Retry(ctx, h, retryAt); rerr != nil {
			return "", rerr
		}
		log.Info().
			Err(err).
			Str("kind", string(fault.KindOf(err))).
			Time("retry_at", retryAt).
			Msg("outcome not settled yet, re-armed")
		return DispositionRetry, nil
	}

	reason := failureReason(err)
	if predicted {
		now := w.triggers.Now()
		pred.Status = record.StatusFailed
		pred.FailureReason = reason
		pred.UpdatedAt = now
		if serr := w.ledger.SavePrediction(ctx, pred); serr != nil {
			return "", fmt.Errorf("mark %s failed: %w", pred.EventID, serr)
		}
	}
	if derr := w.triggers.Disarm(ctx, h.ID); derr != nil {
		return "", derr
	}

	log.Error().Err(err).Str("reason", reason).Msg("settlement failed")
	w.notifier.Notify(ctx, notify.FailureMessage(h.SubjectID, h.EventID, h.Attempt, reason))
	return DispositionFailed, nil
}

// Abandon marks the pending prediction behind a swept trigger failed and
// sends a failure summary. Predictions that already reached a terminal status
// are left alone. Call it before the trigger is disarmed, typically as the
// trigger.SweepFunc of Manager.Sweep: a failed write then leaves the trigger
// armed for the next sweep, and a delivery that races in finds the prediction
// failed and disarms as stale.
func (w *Worker) Abandon(ctx context.Context, h trigger.Handle, reason string) error {
	t := h.TargetOf()
	pred, err := w.ledger.Prediction(ctx, t.SubjectID, t.Date, t.EventID)
	if fault.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("abandon %s: %w", t.EventID, err)
	}
	if pred.Status != record.StatusPending {
		return nil
	}

	pred.Status = record.StatusFailed
	pred.FailureReason = reason
	pred.UpdatedAt = w.triggers.Now().UTC()
	if err := w.ledger.SavePrediction(ctx, pred); err != nil {
		return fmt.Errorf("mark %s failed: %w", t.EventID, err)
	}

	w.log.Warn().
		Str("subject_id", t.SubjectID).
		Str("event_id", t.EventID).
		Str("reason", reason).
		Msg("abandoned")
	w.notifier.Notify(ctx, notify.FailureMessage(t.SubjectID, t.EventID, h.Attempt, reason))
	return nil
}

func (w *Worker) markSettled(ctx context.Context, pred record.PredictionRecord, now time.Time) error {
	if pred.Status == record.StatusSettled {
		return nil
	}
	at := now.UTC()
	pred.Status = record.StatusSettled
	pred.FailureReason = ""
	pred.SettledAt = &at
	pred.UpdatedAt = at
	if err := w.ledger.SavePrediction(ctx, pred); err != nil {
		return fmt.Errorf("mark %s settled: %w", pred.EventID, err)
	}
	return nil
}

func (w *Worker) notifySettled(ctx context.Context, log zerolog.Logger, res record.ResultRecord, pred record.PredictionRecord, predicted bool) {
	view, err := w.balances.View(ctx, res.SubjectID, record.Window{})
	if err != nil {
		log.Error().Err(err).Msg("balance for notification")
		return
	}
	var p *record.PredictionRecord
	if predicted {
		p = &pred
	}
	w.notifier.Notify(ctx, notify.SettlementMessage(res, p, view))
}

func failureReason(err error) string {
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return "event not found upstream"
	case fault.KindNotYetAvailable:
		return "outcome not yet available"
	case fault.KindSourceUnavailable:
		return "outcome source unavailable"
	default:
		return err.Error()
	}
}
