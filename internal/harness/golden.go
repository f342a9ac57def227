package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/racewatch/internal/record"
)

// MarshalTrace renders a trace as one canonical JSON object per line.
// Line-per-event keeps golden diffs readable.
func MarshalTrace(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for i, event := range trace {
		line, err := record.MarshalCanonical(event)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs scenario and fails t when its trace differs from
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
