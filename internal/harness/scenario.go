package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/racewatch/internal/record"
)

// Scenario is a scripted settlement day: the events a feed publishes, the
// steps taken against the real orchestrator, worker and dispatcher, and the
// assertions on the resulting ledger and trace.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Subject is the default subject for events that carry none.
	Subject string `yaml:"subject"`

	// Date is the day the morning step runs for.
	Date string `yaml:"date"`

	// Start is the initial clock time.
	Start time.Time `yaml:"start"`

	// Config overrides the policy defaults used by the scenario.
	Config ScenarioConfig `yaml:"config,omitempty"`

	// Events are the events the feed lists for Date.
	Events []record.Event `yaml:"events"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final ledger, triggers and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// ScenarioConfig is the policy a scenario runs under. Zero fields take the
// defaults of DefaultScenarioConfig.
type ScenarioConfig struct {
	SettlementOffset time.Duration `yaml:"settlement_offset,omitempty"`
	MaxAttempts      int           `yaml:"max_attempts,omitempty"`
	RetryDelay       time.Duration `yaml:"retry_delay,omitempty"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay,omitempty"`
	DailyBudget      int64         `yaml:"daily_budget,omitempty"`
	BetUnit          int64         `yaml:"bet_unit,omitempty"`
	MaxBets          int           `yaml:"max_bets,omitempty"`
}

// DefaultScenarioConfig returns the policy used for unset fields.
func DefaultScenarioConfig() ScenarioConfig {
	return ScenarioConfig{
		SettlementOffset: 20 * time.Minute,
		MaxAttempts:      3,
		RetryDelay:       10 * time.Minute,
		RetryMaxDelay:    time.Hour,
		DailyBudget:      1000,
		BetUnit:          100,
		MaxBets:          3,
	}
}

func (c ScenarioConfig) withDefaults() ScenarioConfig {
	def := DefaultScenarioConfig()
	if c.SettlementOffset <= 0 {
		c.SettlementOffset = def.SettlementOffset
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = max(def.RetryMaxDelay, c.RetryDelay)
	}
	if c.DailyBudget <= 0 {
		c.DailyBudget = def.DailyBudget
	}
	if c.BetUnit <= 0 {
		c.BetUnit = def.BetUnit
	}
	if c.MaxBets <= 0 {
		c.MaxBets = def.MaxBets
	}
	return c
}

// Step is one scripted action. Which fields apply depends on Action.
type Step struct {
	// Action is one of the Step* constants.
	Action string `yaml:"action"`

	// EventID is used by publish, withdraw, not_found and fire.
	EventID string `yaml:"event_id,omitempty"`

	// Subject picks whose trigger fire delivers. Default: the scenario subject.
	Subject string `yaml:"subject,omitempty"`

	// Result and Payout are the outcome published by publish.
	Result string `yaml:"result,omitempty"`
	Payout int64  `yaml:"payout,omitempty"`

	// Duration is the clock advance for advance, and the grace for sweep.
	Duration time.Duration `yaml:"duration,omitempty"`
}

// Step actions.
const (
	StepMorning  = "morning"   // run the Daily Orchestrator for Date
	StepPublish  = "publish"   // publish an outcome for EventID
	StepWithdraw = "withdraw"  // remove EventID's outcome again
	StepNotFound = "not_found" // make the feed report EventID as unknown
	StepOutage   = "outage"    // make the feed unreachable
	StepRestore  = "restore"   // end an outage
	StepAdvance  = "advance"   // move the clock forward by Duration
	StepDispatch = "dispatch"  // deliver every due trigger once
	StepFire     = "fire"      // deliver EventID's trigger now
	StepSweep    = "sweep"     // sweep triggers older than Duration
)

var validSteps = map[string]bool{
	StepMorning: true, StepPublish: true, StepWithdraw: true, StepNotFound: true,
	StepOutage: true, StepRestore: true, StepAdvance: true, StepDispatch: true,
	StepFire: true, StepSweep: true,
}

// Assertion validates the state after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// EventID selects the record for status, payout_delta and
	// trace_contains.
	EventID string `yaml:"event_id,omitempty"`

	// Status is the expected prediction status (status).
	Status record.Status `yaml:"status,omitempty"`

	// Amount is the expected balance or payout delta.
	Amount *int64 `yaml:"amount,omitempty"`

	// Count is the expected number of results, armed triggers or
	// notifications.
	Count *int `yaml:"count,omitempty"`

	// Step and Detail match a trace event (trace_contains). An empty Detail
	// matches any detail.
	Step   string `yaml:"step,omitempty"`
	Detail string `yaml:"detail,omitempty"`
}

// Assertion type constants.
const (
	AssertBalance           = "balance"
	AssertStatus            = "status"
	AssertPayoutDelta       = "payout_delta"
	AssertResultCount       = "result_count"
	AssertArmedCount        = "armed_count"
	AssertNotificationCount = "notification_count"
	AssertTraceContains     = "trace_contains"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if _, err := time.Parse(record.DateLayout, s.Date); err != nil {
		return fmt.Errorf("date %q is not YYYY-MM-DD", s.Date)
	}
	if s.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, ev := range s.Events {
		if ev.ID == "" {
			return fmt.Errorf("event %d: event_id is required", i)
		}
		if ev.ScheduledTime.IsZero() {
			return fmt.Errorf("event %s: scheduled_time is required", ev.ID)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if !validSteps[step.Action] {
		return fmt.Errorf("unknown action %q", step.Action)
	}
	switch step.Action {
	case StepPublish:
		if step.EventID == "" || step.Result == "" {
			return fmt.Errorf("publish requires event_id and result")
		}
	case StepWithdraw, StepNotFound, StepFire:
		if step.EventID == "" {
			return fmt.Errorf("%s requires event_id", step.Action)
		}
	case StepAdvance, StepSweep:
		if step.Duration <= 0 {
			return fmt.Errorf("%s requires a positive duration", step.Action)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertBalance:
		if a.Amount == nil {
			return fmt.Errorf("balance requires amount")
		}
	case AssertStatus:
		if a.EventID == "" || a.Status == "" {
			return fmt.Errorf("status requires event_id and status")
		}
	case AssertPayoutDelta:
		if a.EventID == "" || a.Amount == nil {
			return fmt.Errorf("payout_delta requires event_id and amount")
		}
	case AssertResultCount, AssertArmedCount, AssertNotificationCount:
		if a.Count == nil {
			return fmt.Errorf("%s requires count", a.Type)
		}
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("trace_contains requires step")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
