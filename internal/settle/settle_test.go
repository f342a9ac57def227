package settle_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/racewatch/internal/balance"
	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/notify"
	"github.com/roach88/racewatch/internal/record"
	"github.com/roach88/racewatch/internal/settle"
	"github.com/roach88/racewatch/internal/source"
	"github.com/roach88/racewatch/internal/store"
	"github.com/roach88/racewatch/internal/testutil"
	"github.com/roach88/racewatch/internal/trigger"
)

const (
	subject = "3941"
	date    = "2024-05-01"
)

var start = time.Date(2024, 4, 30, 23, 0, 0, 0, time.UTC)

type memorySink struct {
	mu   sync.Mutex
	sent []string
}

func (s *memorySink) Name() string { return "memory" }

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

type fixture struct {
	t       *testing.T
	ctx     context.Context
	ledger  *ledger.Ledger
	manager *trigger.Manager
	clock   *testutil.FakeClock
	feed    *source.FileFeed
	worker  *settle.Worker
	sink    *memorySink

	mu           sync.Mutex
	dispositions []settle.Disposition
}

func testConfig() settle.Config {
	return settle.Config{
		MaxAttempts:   3,
		RetryDelay:    10 * time.Minute,
		RetryMaxDelay: time.Hour,
		FetchTimeout:  time.Second,
	}
}

func newFixture(t *testing.T, cfg settle.Config) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "settle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		ledger: ledger.New(s),
		clock:  testutil.NewFakeClock(start),
		feed:   source.NewFileFeed(),
		sink:   &memorySink{},
	}
	f.manager = trigger.NewManager(s, "race-settlement",
		trigger.WithClock(f.clock),
		trigger.WithIDGenerator(testutil.NewSequenceGenerator("trg")),
	)
	f.worker = f.newWorker(f.feed, cfg)
	return f
}

// newWorkerOn builds a worker over l that shares the fixture's triggers.
func (f *fixture) newWorkerOn(l *ledger.Ledger) *settle.Worker {
	return settle.NewWorker(l, f.feed, f.manager, testConfig(),
		settle.WithNotifier(notify.NewNotifier(zerolog.Nop(), f.sink)))
}

func (f *fixture) newWorker(fetcher source.OutcomeFetcher, cfg settle.Config) *settle.Worker {
	return settle.NewWorker(f.ledger, fetcher, f.manager, cfg,
		settle.WithNotifier(notify.NewNotifier(zerolog.Nop(), f.sink)),
		settle.WithObserver(func(_ trigger.Handle, d settle.Disposition) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.dispositions = append(f.dispositions, d)
		}),
	)
}

// predict writes a pending prediction for eventID and arms its trigger.
func (f *fixture) predict(eventID string, bets ...record.Bet) {
	f.t.Helper()
	p := record.Prediction{Bets: bets}
	now := f.clock.Now()
	require.NoError(f.t, f.ledger.CreatePrediction(f.ctx, record.PredictionRecord{
		SubjectID:     subject,
		Date:          date,
		EventID:       eventID,
		ScheduledTime: now,
		Predicted:     p,
		Stake:         p.Stake(),
		Status:        record.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	f.arm(eventID)
}

func target(eventID string) trigger.Target {
	return trigger.Target{SubjectID: subject, EventID: eventID, Date: date}
}

func (f *fixture) arm(eventID string) {
	f.t.Helper()
	_, err := f.manager.Arm(f.ctx, target(eventID), f.clock.Now().Add(20*time.Minute))
	require.NoError(f.t, err)
}

// fire delivers eventID's trigger now, as a manual redelivery would.
func (f *fixture) fire(eventID string) trigger.Handle {
	f.t.Helper()
	h, err := f.manager.Fire(f.ctx, target(eventID))
	require.NoError(f.t, err)
	require.NoError(f.t, f.worker.OnTrigger(f.ctx, h))
	return h
}

func (f *fixture) last() settle.Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dispositions) == 0 {
		return ""
	}
	return f.dispositions[len(f.dispositions)-1]
}

func (f *fixture) status(eventID string) record.Status {
	f.t.Helper()
	p, err := f.ledger.Prediction(f.ctx, subject, date, eventID)
	require.NoError(f.t, err)
	return p.Status
}

func (f *fixture) balance() int64 {
	f.t.Helper()
	b, err := balance.NewAggregator(f.ledger).Balance(f.ctx, subject, record.Window{})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) armed() []trigger.Handle {
	f.t.Helper()
	handles, err := f.manager.ListArmed(f.ctx, "race-settlement")
	require.NoError(f.t, err)
	return handles
}

func bet(combination string) record.Bet {
	return record.Bet{Combination: combination, Amount: 100}
}

func TestOnTrigger_SettlesHit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.feed.SetOutcome("E1", record.Outcome{Result: "1-2-3", Payout: 600})

	f.fire("E1")

	assert.Equal(t, settle.DispositionSettled, f.last())
	res, err := f.ledger.Result(f.ctx, subject, date, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.PayoutDelta)
	assert.Equal(t, 1, res.Hits)
	assert.True(t, start.Equal(res.SettledAt))

	p, err := f.ledger.Prediction(f.ctx, subject, date, "E1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSettled, p.Status)
	require.NotNil(t, p.SettledAt)

	assert.Empty(t, f.armed())
	require.Len(t, f.sink.messages(), 1)
	assert.Contains(t, f.sink.messages()[0], "Delta: +500 yen")
}

func TestOnTrigger_TwoEventScenario(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.predict("E2", bet("1-2-3"))
	require.Len(t, f.armed(), 2)

	f.feed.SetOutcome("E1", record.Outcome{Result: "1-2-3", Payout: 600})
	f.fire("E1")
	assert.Equal(t, int64(500), f.balance())

	f.fire("E2")
	assert.Equal(t, settle.DispositionRetry, f.last())
	assert.Equal(t, int64(500), f.balance())
	assert.Equal(t, record.StatusPending, f.status("E2"))

	armed := f.armed()
	require.Len(t, armed, 1)
	assert.Equal(t, "E2", armed[0].EventID)
	assert.Equal(t, trigger.StateArmed, armed[0].State)
	assert.True(t, start.Add(10*time.Minute).Equal(armed[0].FireAt))

	f.feed.SetOutcome("E2", record.Outcome{Result: "4-5-6", Payout: 9800})
	f.fire("E2")
	assert.Equal(t, settle.DispositionSettled, f.last())
	assert.Equal(t, int64(400), f.balance())
	assert.Empty(t, f.armed())
}

func TestOnTrigger_DuplicateDeliveryAfterSettlement(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.feed.SetOutcome("E1", record.Outcome{Result: "1-2-3", Payout: 600})

	h := f.fire("E1")
	require.NoError(t, f.worker.OnTrigger(f.ctx, h))

	assert.Equal(t, settle.DispositionStale, f.last())
	results, err := f.ledger.Results(f.ctx, subject)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int64(500), f.balance())
	assert.Len(t, f.sink.messages(), 1)
}

func TestOnTrigger_RepairsStatusAfterCrashBetweenWrites(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.feed.SetOutcome("E1", record.Outcome{Result: "1-2-3", Payout: 600})

	p, err := f.ledger.Prediction(f.ctx, subject, date, "E1")
	require.NoError(t, err)
	require.NoError(t, f.ledger.CreateResult(f.ctx,
		record.NewResult(p, record.Outcome{Result: "1-2-3", Payout: 600}, start)))

	f.fire("E1")

	assert.Equal(t, settle.DispositionDuplicate, f.last())
	assert.Equal(t, record.StatusSettled, f.status("E1"))
	assert.Empty(t, f.armed())
	assert.Equal(t, int64(500), f.balance())
	assert.Empty(t, f.sink.messages())
}

func TestOnTrigger_ConcurrentDuplicatesWriteOneResult(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.feed.SetOutcome("E1", record.Outcome{Result: "1-2-3", Payout: 600})

	h, err := f.manager.Fire(f.ctx, target("E1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.worker.OnTrigger(f.ctx, h)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	results, err := f.ledger.Results(f.ctx, subject)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int64(500), f.balance())
	assert.Equal(t, record.StatusSettled, f.status("E1"))
	assert.Empty(t, f.armed())
}

func TestOnTrigger_NotYetAvailableExhaustsRetries(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E2", bet("1-2-3"))

	for i := 0; i < 2; i++ {
		f.fire("E2")
		assert.Equal(t, settle.DispositionRetry, f.last())
		assert.Len(t, f.armed(), 1)
	}

	h := f.fire("E2")
	assert.Equal(t, 3, h.Attempt)
	assert.Equal(t, settle.DispositionFailed, f.last())

	p, err := f.ledger.Prediction(f.ctx, subject, date, "E2")
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, p.Status)
	assert.Equal(t, "outcome not yet available", p.FailureReason)
	assert.Empty(t, f.armed())

	_, err = f.ledger.Result(f.ctx, subject, date, "E2")
	assert.True(t, fault.IsNotFound(err))
	require.Len(t, f.sink.messages(), 1)
	assert.Contains(t, f.sink.messages()[0], "settlement failed after 3 attempt(s)")
}

func TestOnTrigger_NotFoundIsTerminal(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E9", bet("1-2-3"))
	f.feed.SetNotFound("E9")

	f.fire("E9")

	assert.Equal(t, settle.DispositionFailed, f.last())
	assert.Equal(t, record.StatusFailed, f.status("E9"))
	assert.Empty(t, f.armed())
}

func TestOnTrigger_SourceUnavailableRetriesThenSettles(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.feed.SetOutcome("E1", record.Outcome{Result: "2-1-3", Payout: 1500})
	f.feed.SetUnavailable(true)

	f.fire("E1")
	assert.Equal(t, settle.DispositionRetry, f.last())

	f.feed.SetUnavailable(false)
	f.fire("E1")
	assert.Equal(t, settle.DispositionSettled, f.last())
	assert.Equal(t, int64(-100), f.balance())
}

func TestOnTrigger_NoPrediction(t *testing.T) {
	f := newFixture(t, testConfig())
	f.arm("E5")
	f.feed.SetOutcome("E5", record.Outcome{Result: "1-2-3", Payout: 600})

	f.fire("E5")

	assert.Equal(t, settle.DispositionSettled, f.last())
	res, err := f.ledger.Result(f.ctx, subject, date, "E5")
	require.NoError(t, err)
	assert.True(t, res.NoPrediction)
	assert.Zero(t, res.PayoutDelta)
	assert.Empty(t, f.armed())
	assert.Contains(t, f.sink.messages()[0], "no prediction was recorded")
}

func TestOnTrigger_NoPredictionNotFoundDisarms(t *testing.T) {
	f := newFixture(t, testConfig())
	f.arm("E5")
	f.feed.SetNotFound("E5")

	f.fire("E5")

	assert.Equal(t, settle.DispositionFailed, f.last())
	assert.Empty(t, f.armed())
}

type slowFetcher struct{}

func (slowFetcher) FetchOutcome(ctx context.Context, _ string) (record.Outcome, error) {
	<-ctx.Done()
	return record.Outcome{}, ctx.Err()
}

func TestOnTrigger_FetchTimeoutCountsAsNotYetAvailable(t *testing.T) {
	f := newFixture(t, testConfig())
	cfg := testConfig()
	cfg.FetchTimeout = 10 * time.Millisecond
	f.worker = f.newWorker(slowFetcher{}, cfg)
	f.predict("E1", bet("1-2-3"))

	f.fire("E1")

	assert.Equal(t, settle.DispositionRetry, f.last())
	assert.Equal(t, record.StatusPending, f.status("E1"))
	assert.Len(t, f.armed(), 1)
}

type brokenStore struct{ ledger.Store }

func (brokenStore) Get(context.Context, record.Key) (ledger.Item, error) {
	return ledger.Item{}, errors.New("disk I/O error")
}

func TestOnTrigger_LedgerErrorIsReturned(t *testing.T) {
	f := newFixture(t, testConfig())
	f.arm("E1")
	w := settle.NewWorker(ledger.New(brokenStore{}), f.feed, f.manager, testConfig())

	h, err := f.manager.Fire(f.ctx, target("E1"))
	require.NoError(t, err)
	assert.ErrorContains(t, w.OnTrigger(f.ctx, h), "disk I/O error")
	assert.Len(t, f.armed(), 1)
}

func TestOnTrigger_ViaDispatcherAtFireTime(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.feed.SetOutcome("E1", record.Outcome{Result: "1-2-3", Payout: 600})
	d := trigger.NewDispatcher(f.manager, f.worker, trigger.DispatcherConfig{}, zerolog.Nop())

	stats, err := d.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Delivered)

	f.clock.Advance(20 * time.Minute)
	stats, err = d.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, int64(500), f.balance())
}

// abandonAs returns a sweep callback that fails predictions with reason.
func abandonAs(w *settle.Worker, reason string) trigger.SweepFunc {
	return func(ctx context.Context, h trigger.Handle) error {
		return w.Abandon(ctx, h, reason)
	}
}

func TestAbandon_MarksSweptPredictionFailed(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.predict("E2", bet("1-2-3"))
	f.feed.SetOutcome("E1", record.Outcome{Result: "1-2-3", Payout: 600})
	f.fire("E1")

	f.clock.Advance(48 * time.Hour)
	swept, err := f.manager.Sweep(f.ctx, 24*time.Hour, abandonAs(f.worker, "trigger swept"))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "E2", swept[0].EventID)

	p, err := f.ledger.Prediction(f.ctx, subject, date, "E2")
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, p.Status)
	assert.Equal(t, "trigger swept", p.FailureReason)

	_, err = f.manager.Fire(f.ctx, target("E2"))
	assert.True(t, fault.IsNotFound(err))

	// Terminal predictions are not touched.
	require.NoError(t, f.worker.Abandon(f.ctx, trigger.Handle{SubjectID: subject, EventID: "E1", Date: date}, "late"))
	assert.Equal(t, record.StatusSettled, f.status("E1"))

	msgs := f.sink.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1], "[3941] E2 settlement failed after 0 attempt(s): trigger swept")
}

// readOnlyStore rejects every write.
type readOnlyStore struct{ ledger.Store }

func (readOnlyStore) Put(context.Context, record.Key, []byte) error {
	return errors.New("attempt to write a readonly database")
}

func TestAbandon_LedgerFailureKeepsTriggerForNextSweep(t *testing.T) {
	f := newFixture(t, testConfig())
	f.predict("E1", bet("1-2-3"))
	f.predict("E2", bet("1-2-3"))
	f.clock.Advance(48 * time.Hour)

	readOnly := f.newWorkerOn(ledger.New(readOnlyStore{f.ledger.Store()}))
	swept, err := f.manager.Sweep(f.ctx, 24*time.Hour, abandonAs(readOnly, "trigger swept"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "readonly database")
	assert.Empty(t, swept)

	assert.Len(t, f.armed(), 2, "triggers survive until their predictions are failed")
	assert.Equal(t, record.StatusPending, f.status("E1"))
	assert.Equal(t, record.StatusPending, f.status("E2"))

	swept, err = f.manager.Sweep(f.ctx, 24*time.Hour, abandonAs(f.worker, "trigger swept"))
	require.NoError(t, err)
	assert.Len(t, swept, 2)
	assert.Empty(t, f.armed())
	assert.Equal(t, record.StatusFailed, f.status("E1"))
	assert.Equal(t, record.StatusFailed, f.status("E2"))
}

func TestConfig_RetryDelayFor(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, 10*time.Minute, cfg.RetryDelayFor(1))
	assert.Equal(t, 20*time.Minute, cfg.RetryDelayFor(2))
	assert.Equal(t, 40*time.Minute, cfg.RetryDelayFor(3))
	assert.Equal(t, time.Hour, cfg.RetryDelayFor(4))
	assert.Equal(t, time.Hour, cfg.RetryDelayFor(9))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, settle.DefaultConfig().Validate())

	cfg := testConfig()
	cfg.MaxAttempts = 0
	assert.True(t, fault.IsConfiguration(cfg.Validate()))

	cfg = testConfig()
	cfg.RetryMaxDelay = time.Minute
	assert.True(t, fault.IsConfiguration(cfg.Validate()))
}
