package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot captures what a scenario did, in a form that is stable
// across runs: no timestamps, no generated ids.
type TraceSnapshot struct {
	ScenarioName string            `json:"scenario_name"`
	Trace        []string          `json:"trace"`
	Dispatch     []string          `json:"dispatch"`
	Records      []string          `json:"records"`
	Instances    map[string]string `json:"instances"`
}

// Snapshot builds the snapshot of a result.
func Snapshot(name string, result *Result) TraceSnapshot {
	s := TraceSnapshot{
		ScenarioName: name,
		Trace:        make([]string, 0, len(result.Trace)),
		Dispatch:     make([]string, 0, len(result.Dispatches)),
		Records:      append([]string{}, result.Records...),
		Instances:    result.Instances,
	}
	for _, e := range result.Trace {
		s.Trace = append(s.Trace, e.String())
	}
	for _, d := range result.Dispatches {
		s.Dispatch = append(s.Dispatch, d.String())
	}
	return s
}

// Marshal renders the snapshot as indented JSON with a trailing newline.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t, scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
