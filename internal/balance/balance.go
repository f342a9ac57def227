// Package balance derives running totals from settled ResultRecords.
//
// Nothing here is stored: every call rescans the ledger, so a balance can
// never drift from the records it is computed from.
package balance

import (
	"context"
	"fmt"

	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/record"
)

// View is the cumulative picture of a subject over a window.
type View struct {
	SubjectID    string        `json:"subject_id"`
	Window       record.Window `json:"window"`
	Balance      int64         `json:"balance"`
	Stake        int64         `json:"stake"`
	Return       int64         `json:"return"`
	Settled      int           `json:"settled"`
	Hits         int           `json:"hits"`
	NoPrediction int           `json:"no_prediction"`
	Days         int           `json:"days"`
}

// ReturnRate is Return as a percentage of Stake. Zero when nothing was staked.
func (v View) ReturnRate() float64 {
	if v.Stake == 0 {
		return 0
	}
	return float64(v.Return) / float64(v.Stake) * 100
}

// Aggregator is the Balance Aggregator.
type Aggregator struct {
	ledger *ledger.Ledger
}

// NewAggregator creates an Aggregator reading from l.
func NewAggregator(l *ledger.Ledger) *Aggregator {
	return &Aggregator{ledger: l}
}

// Balance returns the sum of payout_delta over the subject's results in w.
func (a *Aggregator) Balance(ctx context.Context, subjectID string, w record.Window) (int64, error) {
	v, err := a.View(ctx, subjectID, w)
	if err != nil {
		return 0, err
	}
	return v.Balance, nil
}

// View returns the cumulative statistics of the subject's results in w.
func (a *Aggregator) View(ctx context.Context, subjectID string, w record.Window) (View, error) {
	if err := w.Validate(); err != nil {
		return View{}, fmt.Errorf("balance %s: %w", subjectID, err)
	}
	results, err := a.ledger.Results(ctx, subjectID)
	if err != nil {
		return View{}, fmt.Errorf("balance %s: %w", subjectID, err)
	}
	return Summarize(subjectID, w, results), nil
}

// Summarize folds results inside w into a View. Order does not matter.
func Summarize(subjectID string, w record.Window, results []record.ResultRecord) View {
	v := View{SubjectID: subjectID, Window: w}
	days := make(map[string]struct{})
	for _, r := range results {
		if !w.Contains(r.Date) {
			continue
		}
		v.Balance += r.PayoutDelta
		v.Stake += r.Stake
		v.Return += r.Return
		v.Hits += r.Hits
		v.Settled++
		if r.NoPrediction {
			v.NoPrediction++
		}
		days[r.Date] = struct{}{}
	}
	v.Days = len(days)
	return v
}
