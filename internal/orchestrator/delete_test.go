package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/testutil"
)

const (
	del      = record.OperationDelete
	download = record.OperationDownload
)

var happyDeleteTrace = []string{
	"GetProfile",
	"LedgerCheck(false)",
	"SessionLock(LOCK)",
	"SetStatus(WIP)",
	"PendingDownloadCheck(none)",
	"Delete",
	"SessionLock(UNLOCK)",
	"SetStatus(CLOSED)",
	"SendEmail",
	"FeedUpdate(SUCCESS)",
}

func TestDelete_AllActivitiesSucceed(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, []string{"GetProfile", "LedgerCheck(false)"}, e.Recorder.Trace(id), "waits out the grace period")
	assert.Equal(t, durable.StatusRunning, e.Instance(id).Status)

	e.Advance(24 * time.Hour)

	assert.Equal(t, happyDeleteTrace, e.Recorder.Trace(id))
	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
	assert.Equal(t, []record.Status{record.StatusPending, record.StatusWIP, record.StatusClosed}, e.Statuses(del, "F1"))
	assert.Equal(t, []string{"F1"}, e.Fakes.Deleted())
	assert.Equal(t, []string{"f1@example.com"}, e.Fakes.Mailed())
}

func TestDelete_UnlockFailureFailsAfterDeletion(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")
	e.Fakes.ScriptUnlock(500)

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)

	assert.Equal(t, []string{"F1"}, e.Fakes.Deleted(), "deletion already ran")
	assert.Equal(t, 1, e.Recorder.Count("SessionLock(UNLOCK)"), "unlock is attempted exactly once")

	latest := e.Latest(del, "F1")
	assert.Equal(t, record.StatusFailed, latest.Status)
	assert.Equal(t, "ActivityFailure(SessionLock)|UNLOCK returned 500", latest.Reason)
	assert.Equal(t, []record.Status{record.StatusPending, record.StatusWIP, record.StatusFailed}, e.Statuses(del, "F1"))

	res := e.Result(id)
	assert.Equal(t, outcome.KindFailure, res.Kind)
	assert.Equal(t, []string{
		"GetProfile",
		"LedgerCheck(false)",
		"SessionLock(LOCK)",
		"SetStatus(WIP)",
		"PendingDownloadCheck(none)",
		"Delete",
		"SessionLock(UNLOCK)!",
		"SetStatus(FAILED)",
	}, e.Recorder.Trace(id))
	assert.Empty(t, e.Fakes.Mailed())
}

func TestDelete_LockFailureNeverDeletes(t *testing.T) {
	tests := []struct {
		name     string
		script   []int
		attempts int
		reason   string
	}{
		{name: "client error is not retried", script: []int{409}, attempts: 1, reason: "ActivityFailure(SessionLock)|LOCK returned 409"},
		{name: "server errors exhaust retries", script: []int{503, 503, 503}, attempts: 3, reason: "ActivityFailure(SessionLock)|LOCK returned 503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testutil.NewEnv(t, testutil.Config())
			e.Fakes.AddProfile("F1", "f1@example.com")
			e.Fakes.ScriptLock(tt.script...)

			id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
			e.Drain()
			e.Advance(24 * time.Hour)

			assert.Equal(t, tt.attempts, e.Recorder.Count("SessionLock(LOCK)"))
			assert.Zero(t, e.Recorder.Count("Delete"))
			assert.Empty(t, e.Fakes.Deleted())

			latest := e.Latest(del, "F1")
			assert.Equal(t, record.StatusFailed, latest.Status)
			assert.Equal(t, tt.reason, latest.Reason)
			assert.Equal(t, []record.Status{record.StatusPending, record.StatusFailed}, e.Statuses(del, "F1"))
			assert.Equal(t, outcome.KindFailure, e.Result(id).Kind)
		})
	}
}

func TestDelete_LockRecoversFromTransientError(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "")
	e.Fakes.ScriptLock(502, 200)

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)

	assert.Equal(t, 2, e.Recorder.Count("SessionLock(LOCK)"))
	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
}

func TestDelete_AbortBeforeExpiryClosesWithoutWIP(t *testing.T) {
	ctx := context.Background()
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(time.Hour)

	e.Seed(del, "F1", record.StatusAborted, "")
	require.NoError(t, e.Runtime.RaiseEvent(ctx, id, orchestrator.EventAbort, nil))
	e.Drain()

	assert.Equal(t, outcome.Success(outcome.TypeAborted), e.Result(id))
	assert.Equal(t, []record.Status{record.StatusPending, record.StatusAborted, record.StatusClosed}, e.Statuses(del, "F1"))
	assert.Equal(t, []string{"GetProfile", "LedgerCheck(false)", "SetStatus(CLOSED)"}, e.Recorder.Trace(id))

	e.Advance(48 * time.Hour)
	assert.Zero(t, e.Recorder.Count("SessionLock(LOCK)"), "cancelled timer never resumes the deletion")
	assert.Empty(t, e.Fakes.Deleted())
	assert.Empty(t, e.Fakes.Mailed())
}

func TestDelete_AbortWhileLockingClosesWithoutDeleting(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")

	pending := e.Seed(del, "F1", record.StatusPending, "")
	var abortErr error
	e.Fakes.OnLock(func(string) {
		_, abortErr = e.Store.Append(context.Background(), pending.Next(record.StatusAborted, ""))
	})

	id := e.Start(pending)
	e.Drain()
	e.Advance(24 * time.Hour)
	require.NoError(t, abortErr)

	assert.Equal(t, outcome.Success(outcome.TypeAborted), e.Result(id))
	assert.Equal(t, []record.Status{record.StatusPending, record.StatusAborted, record.StatusClosed}, e.Statuses(del, "F1"))
	assert.Equal(t, []string{
		"GetProfile",
		"LedgerCheck(false)",
		"SessionLock(LOCK)",
		"SetStatus(WIP)",
		"SessionLock(UNLOCK)",
		"SetStatus(CLOSED)",
	}, e.Recorder.Trace(id))
	assert.Empty(t, e.Fakes.Deleted())
	assert.Empty(t, e.Fakes.Mailed())
}

func TestDelete_LockReleasedWhenAbortedRequestCannotClose(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "")
	e.Fakes.ScriptUnlock(500)

	pending := e.Seed(del, "F1", record.StatusPending, "")
	e.Fakes.OnLock(func(string) {
		_, _ = e.Store.Append(context.Background(), pending.Next(record.StatusAborted, ""))
	})

	id := e.Start(pending)
	e.Drain()
	e.Advance(24 * time.Hour)

	assert.Equal(t, 1, e.Recorder.Count("SessionLock(UNLOCK)"), "unlock is attempted exactly once")
	assert.Empty(t, e.Fakes.Deleted())
	latest := e.Latest(del, "F1")
	assert.Equal(t, record.StatusFailed, latest.Status)
	assert.Equal(t, "ActivityFailure(SessionLock)|UNLOCK returned 500", latest.Reason)
	assert.Equal(t, outcome.KindFailure, e.Result(id).Kind)
}

func TestDelete_CollaboratorPanicWritesFailed(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")
	e.Fakes.OnLock(func(string) { panic("lock client crashed") })

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)

	require.Equal(t, durable.StatusCompleted, e.Instance(id).Status, "the instance ends through the failure path")
	latest := e.Latest(del, "F1")
	assert.Equal(t, record.StatusFailed, latest.Status)
	assert.Equal(t, "ActivityFailure(SessionLock)|activity panic: lock client crashed", latest.Reason)
	assert.Equal(t, 1, e.Recorder.Count("SessionLock(LOCK)"), "a panic is not retried")
	assert.Empty(t, e.Fakes.Deleted())
	assert.Equal(t, outcome.KindFailure, e.Result(id).Kind)
}

func TestDelete_AbortAfterExpiryIsIgnored(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)
	require.Equal(t, durable.StatusCompleted, e.Instance(id).Status)

	err := e.Runtime.RaiseEvent(context.Background(), id, orchestrator.EventAbort, nil)
	assert.ErrorIs(t, err, durable.ErrInstanceNotRunning)
	assert.Equal(t, record.StatusClosed, e.Latest(del, "F1").Status)
}

func TestDelete_InstantDeleteStillCreatesTimer(t *testing.T) {
	conf := testutil.Config()
	conf.InstantDelete = []string{"F1"}
	e := testutil.NewEnv(t, conf)
	e.Fakes.AddProfile("F1", "f1@example.com")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, happyDeleteTrace, e.Recorder.Trace(id))
	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))

	var timers int
	require.NoError(t, e.Store.DB().QueryRow(`SELECT COUNT(*) FROM timers WHERE instance_id = ?`, id).Scan(&timers))
	assert.Equal(t, 1, timers, "zero grace still goes through a timer")
	assert.Equal(t, testutil.Epoch, e.Clock.Now(), "no time had to pass")
}

func TestDelete_OpenLedgerEntrySkipsGraceAndEmail(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")
	_, err := e.Store.InsertFailed(context.Background(), record.Key{Operation: del, Identity: "F1"}, "earlier failure")
	require.NoError(t, err)

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
	assert.Contains(t, e.Recorder.Trace(id), "LedgerCheck(true)")
	assert.Zero(t, e.Recorder.Count("SendEmail"))
	assert.Empty(t, e.Fakes.Mailed())
}

func TestDelete_ProfileNotFound(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())

	id := e.Start(e.Seed(del, "ghost", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, []string{"GetProfile", "SetStatus(FAILED)"}, e.Recorder.Trace(id))
	latest := e.Latest(del, "ghost")
	assert.Equal(t, record.StatusFailed, latest.Status)
	assert.Equal(t, "ActivityFailure(GetProfile)|profile not found", latest.Reason)
}

func TestDelete_WaitsForPendingDownload(t *testing.T) {
	conf := testutil.Config()
	conf.InstantDelete = []string{"F1"}
	e := testutil.NewEnv(t, conf)
	e.Fakes.AddProfile("F1", "")
	e.Seed(download, "F1", record.StatusPending, "")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()

	assert.Equal(t, "PendingDownloadCheck(PENDING)", last(e.Recorder.Trace(id)))
	assert.Equal(t, record.StatusWIP, e.Latest(del, "F1").Status)

	e.Seed(download, "F1", record.StatusWIP, "")
	e.Advance(10 * time.Minute)
	assert.Equal(t, "PendingDownloadCheck(WIP)", last(e.Recorder.Trace(id)))
	assert.Empty(t, e.Fakes.Deleted())

	e.Seed(download, "F1", record.StatusClosed, "")
	e.Advance(10 * time.Minute)

	assert.Equal(t, []string{"F1"}, e.Fakes.Deleted())
	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
}

func TestDelete_FeedFailureMarksFailed(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")
	e.Fakes.ScriptFeed("FAILURE")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)

	assert.Equal(t, []string{"F1"}, e.Fakes.Deleted())
	assert.Equal(t, []record.Status{record.StatusPending, record.StatusWIP, record.StatusClosed, record.StatusFailed}, e.Statuses(del, "F1"))
	assert.Equal(t, "ActivityFailure(FeedUpdate)|feed update returned FAILURE", e.Latest(del, "F1").Reason)
	assert.Equal(t, outcome.KindFailure, e.Result(id).Kind)
}

func TestDelete_EmailFailureIsBestEffort(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")
	e.Fakes.ScriptMail(testutil.ErrInjected)

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)

	assert.Contains(t, e.Recorder.Trace(id), "SendEmail!")
	assert.Equal(t, 1, e.Recorder.Count("SendEmail"))
	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
	assert.Equal(t, record.StatusClosed, e.Latest(del, "F1").Status)
}

func TestDelete_NoEmailWithoutDeliverableAddress(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)

	assert.Zero(t, e.Recorder.Count("SendEmail"))
	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
}

func TestDelete_DeletionFailureStillUnlocks(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")
	e.Fakes.ScriptDelete(testutil.ErrInjected, testutil.ErrInjected, testutil.ErrInjected)
	e.Fakes.ScriptUnlock(500)

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)

	assert.Equal(t, 3, e.Recorder.Count("Delete"))
	assert.Equal(t, 1, e.Recorder.Count("SessionLock(UNLOCK)"))
	assert.Equal(t,
		"ActivityFailure(Delete)|delete: injected failure|unlock: SessionLock failed: UNLOCK returned 500",
		e.Latest(del, "F1").Reason,
	)
	assert.Zero(t, e.Recorder.Count("FeedUpdate"))
	assert.Equal(t, outcome.KindFailure, e.Result(id).Kind)
}

func TestDelete_InvalidInputWritesNothing(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "")
	wip := e.Seed(del, "F1", record.StatusWIP, "")

	id := record.InstanceID(del, "F1")
	_, err := e.Runtime.StartInstance(context.Background(), orchestrator.NameDelete, id, wip)
	require.NoError(t, err)
	e.Drain()

	res := e.Result(id)
	require.NotNil(t, res.Failure)
	assert.Equal(t, outcome.FailureInvalidInput, res.Failure.Kind)
	assert.Empty(t, e.Recorder.Trace(id))
	assert.Equal(t, []record.Status{record.StatusWIP}, e.Statuses(del, "F1"))
}

func TestDelete_MalformedInput(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())

	id := record.InstanceID(del, "F1")
	_, err := e.Runtime.StartInstance(context.Background(), orchestrator.NameDelete, id, map[string]string{"operation": "DELETE"})
	require.NoError(t, err)
	e.Drain()

	res := e.Result(id)
	require.NotNil(t, res.Failure)
	assert.Equal(t, outcome.FailureInvalidInput, res.Failure.Kind)
	assert.Empty(t, e.Recorder.Calls())
}

func TestDelete_ResumesAfterRestartWithoutRepeatingSteps(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()

	e.Restart()
	e.Advance(24 * time.Hour)

	assert.Equal(t, happyDeleteTrace, e.Recorder.Trace(id))
	assert.Equal(t, 1, e.Recorder.Count("GetProfile"))
	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
}

func TestDelete_NewRequestAfterFailure(t *testing.T) {
	e := testutil.NewEnv(t, testutil.Config())
	e.Fakes.AddProfile("F1", "f1@example.com")
	e.Fakes.ScriptLock(403)

	id := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	e.Drain()
	e.Advance(24 * time.Hour)
	require.Equal(t, record.StatusFailed, e.Latest(del, "F1").Status)
	_, err := e.Store.InsertFailed(context.Background(), record.Key{Operation: del, Identity: "F1"}, e.Latest(del, "F1").Reason)
	require.NoError(t, err)

	e.Recorder.Reset()
	again := e.Start(e.Seed(del, "F1", record.StatusPending, ""))
	require.Equal(t, id, again)
	e.Drain()

	assert.Equal(t, outcome.Success(outcome.TypeCompleted), e.Result(id))
	assert.Contains(t, e.Recorder.Trace(id), "LedgerCheck(true)")
	assert.Empty(t, e.Fakes.Mailed(), "retried requests are silent")
}

func last(trace []string) string {
	if len(trace) == 0 {
		return ""
	}
	return trace[len(trace)-1]
}
