package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/racewatch/internal/balance"
	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/morning"
	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/predict"
	"github.com/roach88/racewatch/internal/record"
	"github.com/roach88/racewatch/internal/settle"
	"github.com/roach88/racewatch/internal/source"
	"github.com/roach88/racewatch/internal/store"
	"github.com/roach88/racewatch/internal/testutil"
	"github.com/roach88/racewatch/internal/trigger"
)

// Namespace is the trigger namespace scenarios arm in.
const Namespace = "scenario"

// SweepReason is the failure reason recorded for predictions whose trigger
// was swept.
const SweepReason = "trigger swept"

// Harness is the test execution engine.
// It runs scenarios with a fake clock and sequential trigger ids.
type Harness struct {
	scenario   *Scenario
	ledger     *ledger.Ledger
	feed       *source.FileFeed
	clock      *testutil.FakeClock
	triggers   *trigger.Manager
	worker     *settle.Worker
	dispatcher *trigger.Dispatcher
	morning    *morning.Orchestrator
	sink       *memorySink
	result     *Result
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Create fresh in-memory database
//  2. Load the scenario's events into a file feed
//  3. Execute steps against the orchestrator, worker and dispatcher
//  4. Evaluate assertions on the ledger, triggers and trace
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(scenario, st)
	ctx := context.Background()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}

	bal, err := balance.NewAggregator(h.ledger).Balance(ctx, scenario.Subject, record.Window{})
	if err != nil {
		return nil, fmt.Errorf("final balance: %w", err)
	}
	h.result.Balance = bal
	h.result.Notifications = h.sink.messages()

	actx := &AssertionContext{
		Ctx:      ctx,
		Subject:  scenario.Subject,
		Date:     scenario.Date,
		Ledger:   h.ledger,
		Triggers: h.triggers,
	}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}
	return h.result, nil
}

func newHarness(scenario *Scenario, st *store.Store) *Harness {
	cfg := scenario.Config.withDefaults()
	h := &Harness{
		scenario: scenario,
		ledger:   ledger.New(st),
		feed:     source.NewFileFeed(),
		clock:    testutil.NewFakeClock(scenario.Start.UTC()),
		sink:     &memorySink{},
		result:   NewResult(),
	}
	h.feed.AddEvents(scenario.Date, scenario.Events...)

	notifier := notify.NewNotifier(zerolog.Nop(), h.sink)
	h.triggers = trigger.NewManager(st, Namespace,
		trigger.WithClock(h.clock),
		trigger.WithIDGenerator(testutil.NewSequenceGenerator("trg")),
	)
	h.worker = settle.NewWorker(h.ledger, h.feed, h.triggers, settle.Config{
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
		FetchTimeout:  time.Second,
	},
		settle.WithNotifier(notifier),
		settle.WithObserver(func(t trigger.Handle, d settle.Disposition) {
			h.result.AddTrace(TraceDeliver, h.clock.Now(), t.EventID, t.Attempt, string(d))
		}),
	)
	h.dispatcher = trigger.NewDispatcher(h.triggers, h.worker, trigger.DispatcherConfig{
		Workers:         1,
		RedeliveryDelay: cfg.RetryDelay,
	}, zerolog.Nop())
	h.morning = morning.NewOrchestrator(h.ledger, h.feed,
		predict.SplitPredictor{Unit: cfg.BetUnit, MaxBets: cfg.MaxBets},
		h.triggers,
		morning.Config{
			DefaultSubject:   scenario.Subject,
			SettlementOffset: cfg.SettlementOffset,
			DailyBudget:      cfg.DailyBudget,
			BetUnit:          cfg.BetUnit,
			Location:         time.UTC,
		},
		morning.WithNotifier(notifier),
	)
	return h
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Action {
	case StepMorning:
		report, err := h.morning.RunMorning(ctx, h.scenario.Date)
		if err != nil {
			return err
		}
		h.trace(step, fmt.Sprintf("scheduled=%d skipped=%d errors=%d",
			report.EventsScheduled, report.EventsSkipped, report.Errors))

	case StepPublish:
		h.feed.SetOutcome(step.EventID, record.Outcome{Result: step.Result, Payout: step.Payout})
		h.trace(step, fmt.Sprintf("%s pays %d", step.Result, step.Payout))

	case StepWithdraw:
		h.feed.ClearOutcome(step.EventID)
		h.trace(step, "")

	case StepNotFound:
		h.feed.SetNotFound(step.EventID)
		h.trace(step, "")

	case StepOutage:
		h.feed.SetUnavailable(true)
		h.trace(step, "")

	case StepRestore:
		h.feed.SetUnavailable(false)
		h.trace(step, "")

	case StepAdvance:
		h.clock.Advance(step.Duration)
		h.trace(step, step.Duration.String())

	case StepDispatch:
		stats, err := h.dispatcher.RunOnce(ctx)
		if err != nil {
			return err
		}
		h.trace(step, fmt.Sprintf("delivered=%d failed=%d", stats.Delivered, stats.Failed))

	case StepFire:
		subject := step.Subject
		if subject == "" {
			subject = h.scenario.Subject
		}
		t, err := h.triggers.Fire(ctx, trigger.Target{SubjectID: subject, EventID: step.EventID, Date: h.scenario.Date})
		if fault.IsNotFound(err) {
			h.trace(step, "not armed")
			return nil
		}
		if err != nil {
			return err
		}
		h.result.AddTrace(step.Action, h.clock.Now(), t.EventID, t.Attempt, "")
		h.dispatcher.Deliver(ctx, t)

	case StepSweep:
		swept, err := h.triggers.Sweep(ctx, step.Duration, func(ctx context.Context, t trigger.Handle) error {
			return h.worker.Abandon(ctx, t, SweepReason)
		})
		for _, t := range swept {
			h.result.AddTrace(TraceSwept, h.clock.Now(), t.EventID, t.Attempt, "")
		}
		if err != nil {
			return err
		}
		h.trace(step, fmt.Sprintf("swept=%d", len(swept)))

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func (h *Harness) trace(step Step, detail string) {
	h.result.AddTrace(step.Action, h.clock.Now(), step.EventID, 0, detail)
}

// memorySink records every notification for notification_count assertions.
type memorySink struct {
	mu   sync.Mutex
	sent []string
}

func (s *memorySink) Name() string { return "scenario" }

func (s *memorySink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *memorySink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}
