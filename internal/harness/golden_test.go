package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Marshal(t *testing.T) {
	result := NewResult()
	result.Trace = append(result.Trace,
		TraceEvent{Instance: "download:D1", Call: "Notify!", Attempt: 1},
		TraceEvent{Instance: "download:D1", Call: "Notify", Attempt: 2},
	)
	result.Dispatches = append(result.Dispatches, DispatchEvent{Record: "DOWNLOAD/D1 v1 PENDING", Action: "start", Result: "applied"})
	result.Records = append(result.Records, "DOWNLOAD/D1 v1 PENDING")
	result.Instances["download:D1"] = "Running"

	data, err := Snapshot("sample", result).Marshal()
	require.NoError(t, err)

	assert.Equal(t, `{
  "scenario_name": "sample",
  "trace": [
    "download:D1 Notify!",
    "download:D1 Notify #2"
  ],
  "dispatch": [
    "DOWNLOAD/D1 v1 PENDING: start applied"
  ],
  "records": [
    "DOWNLOAD/D1 v1 PENDING"
  ],
  "instances": {
    "download:D1": "Running"
  }
}
`, string(data))
}

func TestSnapshot_EmptyResult(t *testing.T) {
	data, err := Snapshot("empty", NewResult()).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trace": []`)
	assert.Contains(t, string(data), `"instances": {}`)
}
