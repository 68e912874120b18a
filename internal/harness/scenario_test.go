package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: test_scenario
description: "Test scenario for validation"
flow:
  - append: {operation: DOWNLOAD, identity: D1, status: PENDING}
  - dispatch: true
assertions:
  - type: trace_contains
    action: Extract
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	require.Len(t, scenario.Flow, 2)
	assert.Equal(t, "D1", scenario.Flow[0].Append.Identity)
	assert.True(t, scenario.Flow[1].Dispatch)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownFieldRejected(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing name",
			content: `
description: d
flow: [{dispatch: true}]
assertions: [{type: trace_count, action: Delete}]
`,
			want: "name is required",
		},
		{
			name: "missing description",
			content: `
name: n
flow: [{dispatch: true}]
assertions: [{type: trace_count, action: Delete}]
`,
			want: "description is required",
		},
		{
			name: "empty flow",
			content: `
name: n
description: d
flow: []
assertions: [{type: trace_count, action: Delete}]
`,
			want: "flow list is required",
		},
		{
			name: "no assertions",
			content: `
name: n
description: d
flow: [{dispatch: true}]
`,
			want: "assertions list is required",
		},
		{
			name: "two actions in one step",
			content: `
name: n
description: d
flow: [{dispatch: true, sweep: true}]
assertions: [{type: trace_count, action: Delete}]
`,
			want: "flow[0]: exactly one of",
		},
		{
			name: "unknown operation",
			content: `
name: n
description: d
flow: [{append: {operation: EXPORT, identity: X, status: PENDING}}]
assertions: [{type: trace_count, action: Delete}]
`,
			want: `unknown operation "EXPORT"`,
		},
		{
			name: "bad duration",
			content: `
name: n
description: d
flow: [{advance: soon}]
assertions: [{type: trace_count, action: Delete}]
`,
			want: "flow[0].advance",
		},
		{
			name: "bad grace period",
			content: `
name: n
description: d
config: {grace_period: forever}
flow: [{dispatch: true}]
assertions: [{type: trace_count, action: Delete}]
`,
			want: "config.grace_period",
		},
		{
			name: "final state without expectation",
			content: `
name: n
description: d
flow: [{dispatch: true}]
assertions: [{type: final_state, table: current_records}]
`,
			want: "expect or absent is required",
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d
flow: [{dispatch: true}]
assertions: [{type: trace_exists, action: Delete}]
`,
			want: `unknown assertion type "trace_exists"`,
		},
		{
			name: "result without outcome",
			content: `
name: n
description: d
flow: [{dispatch: true}]
assertions: [{type: result, instance: "delete:F1"}]
`,
			want: "instance and outcome are required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOrchestratorConfig_Overrides(t *testing.T) {
	s := &Scenario{Config: ConfigOverrides{
		GracePeriod:   "0s",
		PollInterval:  "1m",
		InstantDelete: []string{"F9"},
	}}

	conf, err := s.OrchestratorConfig()
	require.NoError(t, err)
	assert.Zero(t, conf.GracePeriod)
	assert.Equal(t, time.Minute, conf.DependencyPollInterval)
	assert.Equal(t, []string{"F9"}, conf.InstantDelete)
	assert.Equal(t, "svc-test", conf.ServiceID)
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}
