package record

import "time"

// PayoutUnit is the stake the published payout is quoted against.
const PayoutUnit int64 = 100

// Score is the financial result of one prediction against one outcome.
type Score struct {
	Stake       int64
	Return      int64
	PayoutDelta int64
	Hits        int
}

// ScoreOutcome settles p against o. A bet hits when its combination equals
// the outcome's finishing order; each hit returns amount/PayoutUnit × payout.
// PayoutDelta is the total return minus the total stake and may be negative.
func ScoreOutcome(p Prediction, o Outcome) Score {
	s := Score{Stake: p.Stake()}
	for _, b := range p.Bets {
		if o.Result == "" || b.Combination != o.Result {
			continue
		}
		s.Hits++
		s.Return += b.Amount / PayoutUnit * o.Payout
	}
	s.PayoutDelta = s.Return - s.Stake
	return s
}

// NewResult builds the ResultRecord for a settled prediction.
func NewResult(p PredictionRecord, o Outcome, settledAt time.Time) ResultRecord {
	s := ScoreOutcome(p.Predicted, o)
	return ResultRecord{
		SubjectID:   p.SubjectID,
		Date:        p.Date,
		EventID:     p.EventID,
		Actual:      o,
		Stake:       s.Stake,
		Return:      s.Return,
		PayoutDelta: s.PayoutDelta,
		Hits:        s.Hits,
		SettledAt:   settledAt.UTC(),
	}
}

// NewUnpredictedResult records an outcome for an event that was never
// predicted. Nothing was staked, so the delta is zero.
func NewUnpredictedResult(subjectID, date, eventID string, o Outcome, settledAt time.Time) ResultRecord {
	return ResultRecord{
		SubjectID:    subjectID,
		Date:         date,
		EventID:      eventID,
		Actual:       o,
		NoPrediction: true,
		SettledAt:    settledAt.UTC(),
	}
}
