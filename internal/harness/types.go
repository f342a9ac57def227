package harness

import "time"

// Trace event kinds that have no matching Step action.
const (
	TraceDeliver = "deliver" // one Settlement Worker delivery and its disposition
	TraceSwept   = "swept"   // one trigger removed by a sweep
)

// TraceEvent is one observable thing a scenario did.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Step    string `json:"step"`
	At      string `json:"at"`
	EventID string `json:"event_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace contains every step and delivery in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed assertion messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Balance is the subject's all-time balance after the last step.
	Balance int64 `json:"balance"`

	// Notifications holds every message sent, in order.
	Notifications []string `json:"notifications,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event stamped with the next sequence number.
func (r *Result) AddTrace(step string, at time.Time, eventID string, attempt int, detail string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     int64(len(r.Trace) + 1),
		Step:    step,
		At:      at.UTC().Format(time.RFC3339),
		EventID: eventID,
		Attempt: attempt,
		Detail:  detail,
	})
}
