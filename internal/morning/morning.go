// Package morning is the Daily Orchestrator: once per day it discovers the
// day's events, writes one pending prediction per event and arms one
// settlement trigger per event at its own time plus a fixed offset.
//
// RunMorning is safe to re-run for the same date. Events that already have a
// prediction are skipped, so a second run neither duplicates records nor
// arms a second trigger.
package morning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/predict"
	"github.com/roach88/racewatch/internal/record"
	"github.com/roach88/racewatch/internal/source"
	"github.com/roach88/racewatch/internal/trigger"
)

// Config is the morning policy.
type Config struct {
	// DefaultSubject is used for events that carry no subject id.
	DefaultSubject string

	// SettlementOffset is added to an event's scheduled time to get its
	// trigger's fire time.
	SettlementOffset time.Duration

	// DailyBudget is split evenly across the day's events.
	DailyBudget int64

	// BetUnit is the granularity of a per-event stake.
	BetUnit int64

	// Location renders times in notifications. Default: UTC.
	Location *time.Location
}

// Validate reports configuration that would make every event fail.
func (c Config) Validate() error {
	const op = "morning.config"
	switch {
	case strings.TrimSpace(c.DefaultSubject) == "":
		return fault.New(fault.KindConfiguration, op, "default subject is required")
	case c.SettlementOffset <= 0:
		return fault.New(fault.KindConfiguration, op, "settlement offset must be positive")
	case c.BetUnit <= 0:
		return fault.New(fault.KindConfiguration, op, "bet unit must be positive")
	case c.DailyBudget < c.BetUnit:
		return fault.Newf(fault.KindConfiguration, op, "daily budget %d is below the bet unit %d", c.DailyBudget, c.BetUnit)
	}
	return nil
}

// StakePerEvent splits the daily budget over n events, rounded down to the
// bet unit.
func (c Config) StakePerEvent(n int) int64 {
	if n <= 0 {
		return 0
	}
	return c.DailyBudget / int64(n) / c.BetUnit * c.BetUnit
}

// Report summarizes one run.
type Report struct {
	Date             string   `json:"date"`
	EventsScheduled  int      `json:"events_scheduled"`
	EventsSkipped    int      `json:"events_skipped"`
	AlreadyPredicted int      `json:"already_predicted"`
	Unarmed          int      `json:"unarmed"`
	Errors           int      `json:"errors"`
	Scheduled        []string `json:"scheduled,omitempty"`
}

// Orchestrator runs the morning pass.
type Orchestrator struct {
	ledger     *ledger.Ledger
	discoverer source.EventDiscoverer
	predictor  predict.Predictor
	triggers   *trigger.Manager
	notifier   *notify.Notifier
	cfg        Config
	log        zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets where the morning summary goes.
func WithNotifier(n *notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithLogger sets the logger. Default: disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(l *ledger.Ledger, d source.EventDiscoverer, p predict.Predictor, triggers *trigger.Manager, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:     l,
		discoverer: d,
		predictor:  p,
		triggers:   triggers,
		cfg:        cfg,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With().Str("component", "morning").Logger()
	return o
}

// RunMorning discovers the events of date and schedules their settlement.
//
// Only configuration errors abort the run. A discoverer failure yields an
// empty report with Errors=1; a failure for one event is counted and the
// remaining events are still processed.
func (o *Orchestrator) RunMorning(ctx context.Context, date string) (Report, error) {
	report := Report{Date: date}
	if err := o.cfg.Validate(); err != nil {
		return report, err
	}
	if strings.TrimSpace(o.triggers.Namespace()) == "" {
		return report, fault.New(fault.KindConfiguration, "morning.config", "trigger namespace is required")
	}
	if _, err := time.Parse(record.DateLayout, date); err != nil {
		return report, fmt.Errorf("morning: invalid date %q", date)
	}

	log := o.log.With().Str("date", date).Logger()

	events, err := o.discoverer.ListEvents(ctx, date)
	if err != nil {
		log.Error().Err(err).Msg("event discovery failed")
		report.Errors = 1
		o.notifier.Notify(ctx, notify.RunFailedMessage("morning "+date, err))
		return report, nil
	}
	log.Info().Int("events", len(events)).Msg("events discovered")

	stake := o.cfg.StakePerEvent(len(events))
	var made []record.PredictionRecord
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, ok := o.schedule(ctx, log, date, ev, stake, &report)
		if ok {
			made = append(made, rec)
		}
	}
	report.EventsSkipped = report.AlreadyPredicted + report.Unarmed

	log.Info().
		Int("scheduled", report.EventsScheduled).
		Int("skipped", report.EventsSkipped).
		Int("errors", report.Errors).
		Msg("morning run complete")

	if report.AlreadyPredicted < len(events) || len(events) == 0 {
		o.notifier.Notify(ctx, notify.MorningMessage(notify.MorningSummary{
			SubjectID:   o.cfg.DefaultSubject,
			Date:        date,
			Budget:      o.cfg.DailyBudget,
			Location:    o.cfg.Location,
			Predictions: made,
			Skipped:     report.EventsSkipped,
			Errors:      report.Errors,
		}))
	}
	return report, nil
}

// schedule handles one event. It reports the prediction it wrote, and
// whether it wrote one.
func (o *Orchestrator) schedule(ctx context.Context, log zerolog.Logger, date string, ev record.Event, stake int64, report *Report) (record.PredictionRecord, bool) {
	subject := ev.SubjectID
	if subject == "" {
		subject = o.cfg.DefaultSubject
	}
	log = log.With().Str("subject_id", subject).Str("event_id", ev.ID).Logger()

	if ev.ID == "" || ev.ScheduledTime.IsZero() {
		log.Error().Msg("event without id or scheduled time")
		report.Errors++
		return record.PredictionRecord{}, false
	}

	_, err := o.ledger.Prediction(ctx, subject, date, ev.ID)
	switch {
	case err == nil:
		log.Debug().Msg("already predicted")
		report.AlreadyPredicted++
		return record.PredictionRecord{}, false
	case !fault.IsNotFound(err):
		log.Error().Err(err).Msg("read prediction")
		report.Errors++
		return record.PredictionRecord{}, false
	}

	predicted, err := o.predictor.Predict(ctx, ev, stake)
	if err != nil {
		log.Error().Err(err).Msg("predict")
		report.Errors++
		return record.PredictionRecord{}, false
	}

	now := o.triggers.Now()
	rec := record.PredictionRecord{
		SubjectID:     subject,
		Date:          date,
		EventID:       ev.ID,
		ScheduledTime: ev.ScheduledTime.UTC(),
		Predicted:     predicted,
		Stake:         predicted.Stake(),
		Status:        record.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = o.ledger.CreatePrediction(ctx, rec)
	if fault.IsAlreadyExists(err) {
		// A concurrent run got there first.
		report.AlreadyPredicted++
		return record.PredictionRecord{}, false
	}
	if err != nil {
		log.Error().Err(err).Msg("write prediction")
		report.Errors++
		return record.PredictionRecord{}, false
	}

	fireAt := ev.ScheduledTime.Add(o.cfg.SettlementOffset)
	id, err := o.triggers.Arm(ctx, trigger.Target{SubjectID: subject, EventID: ev.ID, Date: date}, fireAt)
	if err != nil {
		// The prediction stays pending without a trigger until a corrective
		// pass arms it.
		log.Error().Err(err).Msg("arm settlement trigger")
		report.Unarmed++
		return rec, true
	}

	log.Info().
		Str("trigger_id", id).
		Time("fire_at", fireAt).
		Int64("stake", rec.Stake).
		Msg("scheduled")
	report.EventsScheduled++
	report.Scheduled = append(report.Scheduled, ev.ID)
	return rec, true
}
