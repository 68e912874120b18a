package orchestrator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/testutil"
)

func TestDownload_NonPendingInputIsSkipped(t *testing.T) {
	tests := []struct {
		op     record.Operation
		status record.Status
	}{
		{op: download, status: record.StatusWIP},
		{op: download, status: record.StatusClosed},
		{op: download, status: record.StatusFailed},
		{op: download, status: record.StatusAborted},
		{op: del, status: record.StatusPending},
	}
	for _, tt := range tests {
		t.Run(string(tt.op)+"/"+string(tt.status), func(t *testing.T) {
			e := testutil.NewEnv(t, testutil.Config())
			rec := e.Seed(tt.op, "D1", tt.status, "")

			id := record.InstanceID(download, "D1")
			_, err := e.Runtime.StartInstance(context.Background(), orchestrator.NameDownload, id, rec)
			require.NoError(t, err)
			e.Drain()

			assert.Equal(t, outcome.Skipped(), e.Result(id))
			assert.Empty(t, e.Recorder.Calls(), "no activity is called")
			assert.Equal(t, []record.Status{tt.status}, e.Statuses(tt.op, "D1"))
		})
	}
}

func TestDownload_Completes(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())

	id := e.Start(e.Seed(download, "D1", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
	assert.Equal(t, []string{"SetStatus(WIP)", "Extract", "Notify", "SetStatus(CLOSED)"}, e.Recorder.Trace(id))
	assert.Equal(t, []record.Status{record.StatusPending, record.StatusWIP, record.StatusClosed}, e.Statuses(download, "D1"))
}

func TestDownload_ExtractFailureIsNotRetried(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.ScriptExtract(testutil.ErrInjected)

	id := e.Start(e.Seed(download, "D1", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, []string{"SetStatus(WIP)", "Extract!", "SetStatus(FAILED)"}, e.Recorder.Trace(id))
	latest := e.Latest(download, "D1")
	assert.Equal(t, record.StatusFailed, latest.Status)
	assert.Equal(t, "ActivityFailure(Extract)|extract: injected failure", latest.Reason)

	res := e.Result(id)
	require.NotNil(t, res.Failure)
	assert.Equal(t, outcome.FailureActivityFailure, res.Failure.Kind)
	assert.Equal(t, "Extract", res.Failure.Activity)
}

func TestDownload_NotifyClassification(t *testing.T) {
	tests := []struct {
		name     string
		script   []int
		attempts int
		status   record.Status
		reason   string
	}{
		{name: "created", script: []int{201}, attempts: 1, status: record.StatusClosed},
		{name: "server error then created", script: []int{503, 201}, attempts: 2, status: record.StatusClosed},
		{name: "client error is terminal", script: []int{400}, attempts: 1, status: record.StatusFailed, reason: "ActivityFailure(Notify)|notify returned 400"},
		{name: "server errors exhaust retries", script: []int{500, 500, 500}, attempts: 3, status: record.StatusFailed, reason: "ActivityFailure(Notify)|notify returned 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testutil.NewEnv(t, testutil.Config())
			e.Fakes.ScriptNotify(tt.script...)

			e.Start(e.Seed(download, "D1", record.StatusPending, ""))
			e.Drain()

			assert.Equal(t, tt.attempts, e.Recorder.Count("Notify"))
			assert.Equal(t, 1, e.Recorder.Count("Extract"))
			latest := e.Latest(download, "D1")
			assert.Equal(t, tt.status, latest.Status)
			assert.Equal(t, tt.reason, latest.Reason)
		})
	}
}

func TestDownload_ResultHookSeesEachResultOnce(t *testing.T) {
	var seen []string
	hook := func(name string, res outcome.Result) {
		seen = append(seen, name+" "+res.String())
	}
	e := testutil.NewEnv(t, testutil.Config())
	e.Orchestrators = orchestrator.New(testutil.Config(), hook)
	e.Restart()

	e.Start(e.Seed(download, "D1", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, []string{"DownloadOrchestrator SUCCESS/COMPLETED"}, seen)
}
