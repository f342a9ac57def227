package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/trigger"
)

// AssertionContext is what assertions read the final state from.
type AssertionContext struct {
	Ctx      context.Context
	Subject  string
	Date     string
	Ledger   *ledger.Ledger
	Triggers *trigger.Manager
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", event.Seq, event.At, event.Step)
			if event.EventID != "" {
				fmt.Fprintf(&buf, " %s", event.EventID)
			}
			if event.Attempt > 0 {
				fmt.Fprintf(&buf, " #%d", event.Attempt)
			}
			if event.Detail != "" {
				fmt.Fprintf(&buf, " %s", event.Detail)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertBalance:
		return assertBalance(result, a)
	case AssertStatus:
		return assertStatus(actx, a)
	case AssertPayoutDelta:
		return assertPayoutDelta(actx, a)
	case AssertResultCount:
		return assertResultCount(actx, a)
	case AssertArmedCount:
		return assertArmedCount(actx, a)
	case AssertNotificationCount:
		return assertCount(AssertNotificationCount, len(result.Notifications), *a.Count)
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertBalance(result *Result, a Assertion) error {
	if result.Balance != *a.Amount {
		return &AssertionError{
			Type:     AssertBalance,
			Expected: fmt.Sprintf("balance %d", *a.Amount),
			Actual:   fmt.Sprintf("balance %d", result.Balance),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertStatus(actx *AssertionContext, a Assertion) error {
	p, err := actx.Ledger.Prediction(actx.Ctx, actx.Subject, actx.Date, a.EventID)
	if fault.IsNotFound(err) {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s is %s", a.EventID, a.Status),
			Actual:   "no prediction",
		}
	}
	if err != nil {
		return err
	}
	if p.Status != a.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s is %s", a.EventID, a.Status),
			Actual:   fmt.Sprintf("%s is %s", a.EventID, p.Status),
		}
	}
	return nil
}

func assertPayoutDelta(actx *AssertionContext, a Assertion) error {
	r, err := actx.Ledger.Result(actx.Ctx, actx.Subject, actx.Date, a.EventID)
	if fault.IsNotFound(err) {
		return &AssertionError{
			Type:     AssertPayoutDelta,
			Expected: fmt.Sprintf("%s delta %d", a.EventID, *a.Amount),
			Actual:   "no result",
		}
	}
	if err != nil {
		return err
	}
	if r.PayoutDelta != *a.Amount {
		return &AssertionError{
			Type:     AssertPayoutDelta,
			Expected: fmt.Sprintf("%s delta %d", a.EventID, *a.Amount),
			Actual:   fmt.Sprintf("%s delta %d", a.EventID, r.PayoutDelta),
		}
	}
	return nil
}

func assertResultCount(actx *AssertionContext, a Assertion) error {
	results, err := actx.Ledger.Results(actx.Ctx, actx.Subject)
	if err != nil {
		return err
	}
	return assertCount(AssertResultCount, len(results), *a.Count)
}

func assertArmedCount(actx *AssertionContext, a Assertion) error {
	handles, err := actx.Triggers.ListArmed(actx.Ctx, actx.Triggers.Namespace())
	if err != nil {
		return err
	}
	return assertCount(AssertArmedCount, len(handles), *a.Count)
}

func assertCount(kind string, got, want int) error {
	if got != want {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%d", want),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertTraceContains checks if the trace contains an event with the given
// step, and EventID and Detail when set.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Step != a.Step {
			continue
		}
		if a.EventID != "" && event.EventID != a.EventID {
			continue
		}
		if a.Detail != "" && event.Detail != a.Detail {
			continue
		}
		return nil
	}

	want := a.Step
	if a.EventID != "" {
		want += " " + a.EventID
	}
	if a.Detail != "" {
		want += " " + a.Detail
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: want,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}
