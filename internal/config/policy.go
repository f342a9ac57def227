package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/racewatch/internal/fault"
)

//go:embed policy.cue
var policySchema string

// Policy is the settlement and budget policy that can be kept in a CUE file
// next to the deployment. Unset fields leave the environment value alone.
//
//	settlement_offset: "25m"
//	max_attempts:      4
//	daily_budget:      12000
type Policy struct {
	SettlementOffset *string `json:"settlement_offset,omitempty"`
	MaxAttempts      *int    `json:"max_attempts,omitempty"`
	RetryDelay       *string `json:"retry_delay,omitempty"`
	RetryMaxDelay    *string `json:"retry_max_delay,omitempty"`
	FetchTimeout     *string `json:"fetch_timeout,omitempty"`
	SweepGrace       *string `json:"sweep_grace,omitempty"`
	DailyBudget      *int64  `json:"daily_budget,omitempty"`
	BetUnit          *int64  `json:"bet_unit,omitempty"`
	MaxBets          *int    `json:"max_bets,omitempty"`
}

// LoadPolicy reads a CUE policy file and checks it against #Policy.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fault.Wrap(fault.KindConfiguration, "config.policy", err)
	}
	return ParsePolicy(path, data)
}

// ParsePolicy parses CUE policy source. filename is used in error positions.
func ParsePolicy(filename string, data []byte) (Policy, error) {
	const op = "config.policy"

	ctx := cuecontext.New()
	schema := ctx.CompileString(policySchema, cue.Filename("policy.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, fmt.Errorf("policy schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return Policy{}, fault.Wrap(fault.KindConfiguration, op, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Policy")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, fault.Wrap(fault.KindConfiguration, op, err)
	}

	var p Policy
	if err := unified.Decode(&p); err != nil {
		return Policy{}, fault.Wrap(fault.KindConfiguration, op, err)
	}
	return p, nil
}

// Apply copies every set field onto cfg.
func (p Policy) Apply(cfg *Config) error {
	durations := []struct {
		src *string
		dst *time.Duration
	}{
		{p.SettlementOffset, &cfg.SettlementOffset},
		{p.RetryDelay, &cfg.RetryDelay},
		{p.RetryMaxDelay, &cfg.RetryMaxDelay},
		{p.FetchTimeout, &cfg.FetchTimeout},
		{p.SweepGrace, &cfg.SweepGrace},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fault.Wrap(fault.KindConfiguration, "config.policy", err)
		}
		*d.dst = v
	}

	if p.MaxAttempts != nil {
		cfg.MaxAttempts = *p.MaxAttempts
	}
	if p.DailyBudget != nil {
		cfg.DailyBudget = *p.DailyBudget
	}
	if p.BetUnit != nil {
		cfg.BetUnit = *p.BetUnit
	}
	if p.MaxBets != nil {
		cfg.MaxBets = *p.MaxBets
	}
	return nil
}
