package testutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/retry"
	"github.com/roach88/dsrflow/internal/store"
)

// FastRetry retries three times with millisecond delays.
var FastRetry = retry.Policy{FirstInterval: time.Millisecond, Coefficient: 1, MaxAttempts: 3}

// Config returns a workflow configuration with a one-day grace period and
// fast retries.
func Config() orchestrator.Config {
	return orchestrator.Config{
		GracePeriod:            24 * time.Hour,
		DependencyPollInterval: 10 * time.Minute,
		BackupDestination:      "backup://test",
		ServiceID:              "svc-test",
		StatusWrite:            FastRetry,
		Activity:               FastRetry,
	}
}

// Env is a complete orchestration stack over a temporary SQLite file, with
// fake collaborators and a manual clock. The runtime is driven with Drain,
// so everything runs on the test goroutine.
type Env struct {
	t testing.TB

	Clock         *testclock.Clock
	retryClock    *testclock.AutoAdvancingClock
	Store         *store.Store
	Runtime       *durable.Runtime
	Fakes         *Fakes
	Recorder      *Recorder
	Orchestrators *orchestrator.Orchestrators
	Logger        *slog.Logger
}

// NewEnv builds an environment for conf.
func NewEnv(t testing.TB, conf orchestrator.Config) *Env {
	t.Helper()
	clk := NewClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "dsrflow.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := &Env{
		t:             t,
		Clock:         clk,
		Store:         st,
		Fakes:         NewFakes(),
		Recorder:      NewRecorder(),
		Orchestrators: orchestrator.New(conf, nil),
		Logger:        slog.New(slog.DiscardHandler),
	}
	retries := NewClock()
	e.retryClock = &testclock.AutoAdvancingClock{Clock: retries, Advance: retries.Advance}
	e.Runtime = e.newRuntime()
	return e
}

func (e *Env) newRuntime() *durable.Runtime {
	e.t.Helper()
	rt, err := durable.New(e.Store.DB(),
		durable.WithClock(e.Clock),
		durable.WithRetryClock(e.retryClock),
		durable.WithLogger(e.Logger),
		durable.WithActivityObserver(e.Recorder.Observe),
	)
	require.NoError(e.t, err)

	acts := &activity.Activities{
		Store:     e.Store,
		Instances: rt,
		Profiles:  e.Fakes,
		Locker:    e.Fakes,
		Extractor: e.Fakes,
		Deleter:   e.Fakes,
		Notifier:  e.Fakes,
		Mailer:    e.Fakes,
		Feed:      e.Fakes,
		Logger:    e.Logger,
	}
	acts.Register(rt)
	e.Orchestrators.Register(rt)
	return rt
}

// Restart replaces the runtime with a fresh one over the same database,
// as a process restart would, and resumes every running instance.
func (e *Env) Restart() {
	e.t.Helper()
	e.Runtime = e.newRuntime()
	_, err := e.Runtime.Resume(context.Background())
	require.NoError(e.t, err)
	e.Drain()
}

// Seed appends a record version directly to the store.
func (e *Env) Seed(op record.Operation, identity string, status record.Status, reason string) record.Record {
	e.t.Helper()
	rec, err := e.Store.Append(context.Background(), record.Record{
		Operation: op,
		Identity:  identity,
		Status:    status,
		Reason:    reason,
	})
	require.NoError(e.t, err)
	return rec
}

// Start starts the workflow for rec the way the dispatcher would: a FAILED
// record starts a recovery, anything else the request workflow of its
// operation. It returns the instance id.
func (e *Env) Start(rec record.Record) string {
	e.t.Helper()
	name, id := orchestrator.NameFor(rec.Operation), record.InstanceID(rec.Operation, rec.Identity)
	if rec.Status == record.StatusFailed {
		name, id = orchestrator.NameRecovery, record.RecoveryInstanceID(rec.Operation, rec.Identity)
	}
	_, err := e.Runtime.StartInstance(context.Background(), name, id, rec)
	require.NoError(e.t, err)
	return id
}

// Drain runs until no work is left.
func (e *Env) Drain() {
	e.t.Helper()
	require.NoError(e.t, e.Runtime.Drain(context.Background()))
}

// Advance moves the clock forward and drains.
func (e *Env) Advance(d time.Duration) {
	e.t.Helper()
	e.Clock.Advance(d)
	e.Drain()
}

// Latest returns the current record for a key.
func (e *Env) Latest(op record.Operation, identity string) record.Record {
	e.t.Helper()
	rec, err := e.Store.Latest(context.Background(), record.Key{Operation: op, Identity: identity})
	require.NoError(e.t, err)
	return rec
}

// Statuses returns the status of every version of a key, oldest first.
func (e *Env) Statuses(op record.Operation, identity string) []record.Status {
	e.t.Helper()
	history, err := e.Store.History(context.Background(), record.Key{Operation: op, Identity: identity})
	require.NoError(e.t, err)
	out := make([]record.Status, len(history))
	for i, r := range history {
		out[i] = r.Status
	}
	return out
}

// Instance returns the stored state of an instance.
func (e *Env) Instance(id string) durable.Instance {
	e.t.Helper()
	inst, err := e.Runtime.GetStatus(context.Background(), id)
	require.NoError(e.t, err)
	return inst
}

// Result decodes the output of a completed instance.
func (e *Env) Result(id string) outcome.Result {
	e.t.Helper()
	inst := e.Instance(id)
	require.Equal(e.t, durable.StatusCompleted, inst.Status, "output: %s", inst.Output)
	var res outcome.Result
	require.NoError(e.t, json.Unmarshal(inst.Output, &res))
	return res
}
