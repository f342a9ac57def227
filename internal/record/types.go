package record

import "time"

// Status is the lifecycle state of a PredictionRecord.
type Status string

const (
	// StatusPending means the prediction is waiting for its settlement trigger.
	StatusPending Status = "pending"

	// StatusSettled means a ResultRecord exists for the event.
	StatusSettled Status = "settled"

	// StatusFailed means settlement gave up after bounded retries or a
	// terminal fetch error.
	StatusFailed Status = "failed"
)

// Event is a real-world occurrence with a known future time, as returned by
// an Event Discoverer.
type Event struct {
	ID            string            `json:"event_id" yaml:"event_id"`
	SubjectID     string            `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
	ScheduledTime time.Time         `json:"scheduled_time" yaml:"scheduled_time"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Bet is one trifecta ticket.
type Bet struct {
	Combination string `json:"combination" yaml:"combination"`
	Amount      int64  `json:"amount" yaml:"amount"`
	Reasoning   string `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
}

// Prediction is the predicted outcome for one event.
type Prediction struct {
	Analysis string `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Bets     []Bet  `json:"bets,omitempty" yaml:"bets,omitempty"`
}

// Stake returns the total amount wagered.
func (p Prediction) Stake() int64 {
	var total int64
	for _, b := range p.Bets {
		total += b.Amount
	}
	return total
}

// Outcome is the published result of an event.
//
// Result is the finishing order ("1-2-3"); Payout is the return per 100 yen
// staked on the winning combination.
type Outcome struct {
	Result  string            `json:"result" yaml:"result"`
	Payout  int64             `json:"payout" yaml:"payout"`
	Details map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
}

// PredictionRecord is written once per (subject, event) by the morning run.
type PredictionRecord struct {
	SubjectID     string     `json:"subject_id"`
	Date          string     `json:"date"`
	EventID       string     `json:"event_id"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Predicted     Prediction `json:"predicted_outcome"`
	Stake         int64      `json:"stake"`
	Status        Status     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// Key returns the ledger key of the record.
func (p PredictionRecord) Key() Key {
	return PredictionKey(p.SubjectID, p.Date, p.EventID)
}

// ResultRecord is written at most once per (subject, event) by the
// settlement worker.
type ResultRecord struct {
	SubjectID    string    `json:"subject_id"`
	Date         string    `json:"date"`
	EventID      string    `json:"event_id"`
	Actual       Outcome   `json:"actual_outcome"`
	Stake        int64     `json:"stake"`
	Return       int64     `json:"return"`
	PayoutDelta  int64     `json:"payout_delta"`
	Hits         int       `json:"hits"`
	NoPrediction bool      `json:"no_prediction,omitempty"`
	SettledAt    time.Time `json:"settled_at"`
}

// Key returns the ledger key of the record.
func (r ResultRecord) Key() Key {
	return ResultKey(r.SubjectID, r.Date, r.EventID)
}
