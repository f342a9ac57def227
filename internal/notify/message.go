package notify

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/racewatch/internal/balance"
	"github.com/roach88/racewatch/internal/record"
)

var printer = message.NewPrinter(language.Japanese)

// Yen formats n with digit grouping ("10,000 yen").
func Yen(n int64) string {
	return printer.Sprintf("%d", n) + " yen"
}

// SignedYen is Yen with an explicit sign for non-negative amounts.
func SignedYen(n int64) string {
	if n < 0 {
		return "-" + Yen(-n)
	}
	return "+" + Yen(n)
}

// MorningSummary is what the morning run reports.
type MorningSummary struct {
	SubjectID   string
	Date        string
	Budget      int64
	Location    *time.Location
	Predictions []record.PredictionRecord
	Skipped     int
	Errors      int
}

// MorningMessage renders the predictions made for a day.
func MorningMessage(s MorningSummary) string {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s predictions\n", s.SubjectID, s.Date)
	if len(s.Predictions) == 0 && s.Skipped == 0 && s.Errors == 0 {
		b.WriteString("No events scheduled today.")
		return b.String()
	}
	fmt.Fprintf(&b, "Budget: %s\n", Yen(s.Budget))

	var total int64
	for _, p := range s.Predictions {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s %s", p.EventID, p.ScheduledTime.In(loc).Format("15:04"))
		if p.Predicted.Analysis != "" {
			fmt.Fprintf(&b, " %s", p.Predicted.Analysis)
		}
		b.WriteString("\n")
		for _, bet := range p.Predicted.Bets {
			fmt.Fprintf(&b, "  %s  %s\n", bet.Combination, Yen(bet.Amount))
		}
		total += p.Stake
	}

	fmt.Fprintf(&b, "\nTotal stake: %s", Yen(total))
	if s.Skipped > 0 || s.Errors > 0 {
		fmt.Fprintf(&b, "\nSkipped: %d  Errors: %d", s.Skipped, s.Errors)
	}
	return b.String()
}

// SettlementMessage renders one settled event and the running balance.
// pred is nil when the event was never predicted.
func SettlementMessage(res record.ResultRecord, pred *record.PredictionRecord, v balance.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s settled: %s (payout %s)\n",
		res.SubjectID, res.EventID, res.Actual.Result, Yen(res.Actual.Payout))

	if pred == nil || res.NoPrediction {
		b.WriteString("  no prediction was recorded for this event\n")
	} else {
		for _, bet := range pred.Predicted.Bets {
			if bet.Combination == res.Actual.Result {
				ret := bet.Amount / record.PayoutUnit * res.Actual.Payout
				fmt.Fprintf(&b, "  HIT  %s  %s -> %s\n", bet.Combination, Yen(bet.Amount), Yen(ret))
				continue
			}
			fmt.Fprintf(&b, "  miss %s  %s\n", bet.Combination, Yen(bet.Amount))
		}
	}

	fmt.Fprintf(&b, "Delta: %s\n", SignedYen(res.PayoutDelta))
	b.WriteString(BalanceLine(v))
	return b.String()
}

// BalanceLine renders a View in two lines.
func BalanceLine(v balance.View) string {
	days := "days"
	if v.Days == 1 {
		days = "day"
	}
	line := fmt.Sprintf("Balance: %s over %d %s, %d settled, %d hits\n",
		SignedYen(v.Balance), v.Days, days, v.Settled, v.Hits)
	line += fmt.Sprintf("Stake %s, return %s, return rate %.1f%%",
		Yen(v.Stake), Yen(v.Return), v.ReturnRate())
	return line
}

// FailureMessage renders a settlement that gave up.
func FailureMessage(subjectID, eventID string, attempt int, reason string) string {
	return fmt.Sprintf("[%s] %s settlement failed after %d attempt(s): %s",
		subjectID, eventID, attempt, reason)
}

// RunFailedMessage renders a command that aborted.
func RunFailedMessage(command string, err error) string {
	return fmt.Sprintf("racewatch %s failed: %v", command, err)
}
