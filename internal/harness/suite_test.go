package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuite_Testdata(t *testing.T) {
	result, err := RunSuite(t, "testdata/scenarios")
	require.NoError(t, err)

	assert.Equal(t, 6, result.TotalScenarios)
	assert.Equal(t, result.TotalScenarios, result.Passed, "failures: %v", result.Failures)
	assert.Zero(t, result.Failed)
}

func TestRunSuite_ReportsBrokenScenarios(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_broken.yaml"), []byte("name: [\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_failing.yaml"), []byte(`
name: b_failing
description: "Expects a deletion that never happens"
flow:
  - append: {operation: DOWNLOAD, identity: D1, status: PENDING}
  - dispatch: true
assertions:
  - type: trace_count
    action: Delete
    count: 1
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	result, err := RunSuite(t, dir)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalScenarios)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Failures, 2)
	assert.Contains(t, result.Failures[0].Error, "failed to load scenario")
	assert.Contains(t, result.Failures[1].Error, "scenario assertions failed")
}
