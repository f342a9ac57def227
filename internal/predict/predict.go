// Package predict produces the predicted outcome written into a
// PredictionRecord by the morning run.
package predict

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/racewatch/internal/record"
)

// MetadataCandidates is the event metadata key holding a comma-separated,
// best-first list of finishing orders to bet on.
const MetadataCandidates = "candidates"

// DefaultCandidates is used when an event carries no candidates.
var DefaultCandidates = []string{"1-2-3", "1-3-2", "1-2-4", "1-4-2", "1-3-4"}

// Predictor turns an event and the stake allotted to it into bets.
type Predictor interface {
	Predict(ctx context.Context, event record.Event, stake int64) (record.Prediction, error)
}

// SplitPredictor spreads a stake over the best candidates of an event in
// whole bet units. The first candidate receives the largest share.
type SplitPredictor struct {
	// Unit is the smallest bet amount. Default: record.PayoutUnit.
	Unit int64

	// MaxBets caps the number of distinct combinations. Default: 3.
	MaxBets int
}

var _ Predictor = SplitPredictor{}

// Predict implements Predictor.
func (p SplitPredictor) Predict(ctx context.Context, event record.Event, stake int64) (record.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return record.Prediction{}, err
	}
	unit := p.Unit
	if unit <= 0 {
		unit = record.PayoutUnit
	}
	maxBets := p.MaxBets
	if maxBets <= 0 {
		maxBets = 3
	}

	tickets := stake / unit
	if tickets <= 0 {
		return record.Prediction{}, fmt.Errorf("predict %s: stake %d is below the bet unit %d", event.ID, stake, unit)
	}

	candidates := Candidates(event)
	n := min(maxBets, len(candidates), int(tickets))

	// Round-robin whole tickets, so earlier candidates get the remainder.
	counts := make([]int64, n)
	for i := int64(0); i < tickets; i++ {
		counts[i%int64(n)]++
	}

	bets := make([]record.Bet, 0, n)
	for i := range n {
		bets = append(bets, record.Bet{
			Combination: candidates[i],
			Amount:      counts[i] * unit,
			Reasoning:   fmt.Sprintf("candidate %d of %d", i+1, len(candidates)),
		})
	}
	return record.Prediction{
		Analysis: fmt.Sprintf("%d yen over %d combinations", tickets*unit, n),
		Bets:     bets,
	}, nil
}

// Candidates returns the candidate finishing orders of event, best first.
func Candidates(event record.Event) []string {
	raw := strings.TrimSpace(event.Metadata[MetadataCandidates])
	if raw == "" {
		return DefaultCandidates
	}
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return DefaultCandidates
	}
	return out
}
