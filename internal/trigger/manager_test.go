package trigger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/store"
	"github.com/roach88/racewatch/internal/testutil"
	"github.com/roach88/racewatch/internal/trigger"
)

const testNamespace = "race-settlement"

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*trigger.Manager, *testutil.FakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFakeClock(day)
	m := trigger.NewManager(s, testNamespace,
		trigger.WithClock(clock),
		trigger.WithIDGenerator(testutil.NewSequenceGenerator("trg")),
		trigger.WithLeaseTTL(time.Minute),
	)
	return m, clock
}

func target(eventID string) trigger.Target {
	return trigger.Target{SubjectID: "3941", EventID: eventID, Date: "2024-05-01"}
}

func TestArm_CreatesOneTrigger(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Arm(ctx, target("E1"), day.Add(8*time.Hour+20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "trg-0001", id)

	armed, err := m.ListArmed(ctx, testNamespace)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, "E1", armed[0].EventID)
	assert.Equal(t, trigger.TargetSettle, armed[0].Target)
	assert.Equal(t, trigger.StateArmed, armed[0].State)
}

func TestArm_TwiceReplacesInPlace(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Arm(ctx, target("E1"), day.Add(8*time.Hour))
	require.NoError(t, err)
	second, err := m.Arm(ctx, target("E1"), day.Add(9*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-arming keeps the trigger id")

	armed, err := m.ListArmed(ctx, testNamespace)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, day.Add(9*time.Hour), armed[0].FireAt)
}

func TestArm_Validation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, target(""), day)
	assert.Error(t, err)

	_, err = m.Arm(ctx, target("E1"), time.Time{})
	assert.Error(t, err)

	s, err := store.Open(filepath.Join(t.TempDir(), "ns.db"))
	require.NoError(t, err)
	defer s.Close()
	_, err = trigger.NewManager(s, "").Arm(ctx, target("E1"), day)
	assert.True(t, fault.IsConfiguration(err))
}

func TestDisarm_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Arm(ctx, target("E1"), day)
	require.NoError(t, err)

	require.NoError(t, m.Disarm(ctx, id))
	require.NoError(t, m.Disarm(ctx, id), "disarming twice is a no-op")
	require.NoError(t, m.Disarm(ctx, "never-armed"))

	armed, err := m.ListArmed(ctx, testNamespace)
	require.NoError(t, err)
	assert.Empty(t, armed)
}

func TestListArmed_ScopedToNamespace(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, target("E1"), day)
	require.NoError(t, err)

	other, err := m.ListArmed(ctx, "some-other-job")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRetry_KeepsAttempt(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, target("E1"), day)
	require.NoError(t, err)

	leased, err := m.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 1, leased[0].Attempt)

	require.NoError(t, m.Retry(ctx, leased[0], clock.Now().Add(10*time.Minute)))

	// Not due yet.
	none, err := m.Lease(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	clock.Advance(10 * time.Minute)
	again, err := m.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempt)
	assert.Equal(t, leased[0].ID, again[0].ID)
}

func TestFire_IgnoresFireAt(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, target("E1"), day.Add(12*time.Hour))
	require.NoError(t, err)

	h, err := m.Fire(ctx, trigger.Target{SubjectID: "3941", EventID: "E1"})
	require.NoError(t, err)
	assert.Equal(t, trigger.StateLeased, h.State)
	assert.Equal(t, 1, h.Attempt)

	_, err = m.Fire(ctx, target("E404"))
	assert.True(t, fault.IsNotFound(err))

	_, err = m.Fire(ctx, trigger.Target{EventID: "E1"})
	assert.Error(t, err, "a subject is required")
}

func TestArm_SameEventForTwoSubjects(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a := trigger.Target{SubjectID: "3941", EventID: "R1", Date: "2024-05-01"}
	b := trigger.Target{SubjectID: "4028", EventID: "R1", Date: "2024-05-01"}
	idA, err := m.Arm(ctx, a, day.Add(8*time.Hour))
	require.NoError(t, err)
	idB, err := m.Arm(ctx, b, day.Add(8*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	armed, err := m.ListArmed(ctx, testNamespace)
	require.NoError(t, err)
	require.Len(t, armed, 2)
	assert.Equal(t, a, armed[0].TargetOf())
	assert.Equal(t, b, armed[1].TargetOf())

	h, err := m.Fire(ctx, trigger.Target{SubjectID: "4028", EventID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, idB, h.ID)
}

func TestArm_RequiresSubjectAndDate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, trigger.Target{EventID: "E1", Date: "2024-05-01"}, day)
	assert.Error(t, err)
	_, err = m.Arm(ctx, trigger.Target{SubjectID: "3941", EventID: "E1"}, day)
	assert.Error(t, err)
}

func TestSweep_DisarmsOnlyStaleTriggers(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, target("stale"), day.Add(time.Hour))
	require.NoError(t, err)
	_, err = m.Arm(ctx, target("recent"), day.Add(6*time.Hour))
	require.NoError(t, err)
	_, err = m.Arm(ctx, target("future"), day.Add(20*time.Hour))
	require.NoError(t, err)

	clock.Set(day.Add(8 * time.Hour))
	swept, err := m.Sweep(ctx, 6*time.Hour, nil)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "stale", swept[0].EventID)

	armed, err := m.ListArmed(ctx, testNamespace)
	require.NoError(t, err)
	require.Len(t, armed, 2)
	assert.Equal(t, "recent", armed[0].EventID)
	assert.Equal(t, "future", armed[1].EventID)
}

func TestSweep_SkipsLiveLease(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, target("E1"), day)
	require.NoError(t, err)

	clock.Set(day.Add(10 * time.Hour))
	_, err = m.Fire(ctx, target("E1"))
	require.NoError(t, err)

	swept, err := m.Sweep(ctx, time.Hour, nil)
	require.NoError(t, err)
	assert.Empty(t, swept, "a trigger being settled right now is not orphaned")

	clock.Advance(2 * time.Minute)
	swept, err = m.Sweep(ctx, time.Hour, nil)
	require.NoError(t, err)
	assert.Len(t, swept, 1)
}

func TestSweep_AbandonRunsBeforeDisarm(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Arm(ctx, target("E1"), day)
	require.NoError(t, err)
	clock.Set(day.Add(10 * time.Hour))

	var seen []int
	swept, err := m.Sweep(ctx, time.Hour, func(ctx context.Context, h trigger.Handle) error {
		armed, err := m.ListArmed(ctx, testNamespace)
		require.NoError(t, err)
		seen = append(seen, len(armed))
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, swept, 1)
	assert.Equal(t, []int{1}, seen, "abandon sees the trigger still armed")
}

func TestSweep_AbandonFailureKeepsTrigger(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"E1", "E2", "E3"} {
		_, err := m.Arm(ctx, target(id), day.Add(time.Minute))
		require.NoError(t, err)
	}
	clock.Set(day.Add(10 * time.Hour))

	ledgerDown := errors.New("ledger unavailable")
	swept, err := m.Sweep(ctx, time.Hour, func(_ context.Context, h trigger.Handle) error {
		if h.EventID == "E2" {
			return ledgerDown
		}
		return nil
	})
	require.ErrorIs(t, err, ledgerDown)
	require.Len(t, swept, 2, "triggers after the failing one are still swept")
	assert.Equal(t, "E1", swept[0].EventID)
	assert.Equal(t, "E3", swept[1].EventID)

	armed, err := m.ListArmed(ctx, testNamespace)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, "E2", armed[0].EventID)

	swept, err = m.Sweep(ctx, time.Hour, func(context.Context, trigger.Handle) error { return nil })
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "E2", swept[0].EventID)
}
