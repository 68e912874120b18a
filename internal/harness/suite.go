package harness

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is a scenario that did not load, run or pass.
type ScenarioFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// FindScenarios returns the scenario files in dir, sorted by name.
func FindScenarios(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("find scenarios in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// RunSuite loads and runs every scenario in dir.
//
// For each scenario file:
// 1. Load the scenario
// 2. Run it via harness.Run
// 3. Collect and report results
func RunSuite(tb testing.TB, dir string) (*SuiteResult, error) {
	tb.Helper()

	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	fail := func(path, msg string) {
		result.Failed++
		result.Failures = append(result.Failures, ScenarioFailure{ScenarioPath: path, Error: msg})
	}

	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			fail(path, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		runResult, err := Run(tb, scenario)
		if err != nil {
			fail(path, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}

		if !runResult.Pass {
			fail(path, fmt.Sprintf("scenario assertions failed: %v", runResult.Errors))
			continue
		}

		result.Passed++
	}

	return result, nil
}
