package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/dispatcher"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs the real runtime, orchestrators, dispatcher and sweep over a
// temporary store, with fake collaborators and a manual clock.
type Harness struct {
	env      *testutil.Env
	scenario *Scenario
	follower *dispatcher.Follower
	sweeper  *dispatcher.Sweeper
	result   *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database for isolation.
//
// Execution flow:
// 1. Build the environment and script the collaborators
// 2. Execute flow steps, running all work each step makes runnable
// 3. Collect the trace, dispatcher outcomes, records and instance results
// 4. Evaluate assertions
func Run(tb testing.TB, scenario *Scenario) (*Result, error) {
	tb.Helper()

	conf, err := scenario.OrchestratorConfig()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		env:      testutil.NewEnv(tb, conf),
		scenario: scenario,
		result:   NewResult(),
	}
	h.script()
	h.wire()

	ctx := context.Background()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
	}

	if err := h.collect(ctx); err != nil {
		return nil, fmt.Errorf("collect result: %w", err)
	}

	actx := &AssertionContext{
		Store: h.env.Store,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}

	return h.result, nil
}

// script loads profiles and scripted answers into the fakes.
func (h *Harness) script() {
	f, c := h.env.Fakes, h.scenario.Collaborators
	for identity, email := range h.scenario.Profiles {
		f.AddProfile(identity, email)
	}
	f.ScriptLock(c.Lock...)
	f.ScriptUnlock(c.Unlock...)
	f.ScriptNotify(c.Notify...)
	f.ScriptFeed(c.Feed...)
	f.ScriptDelete(toErrors(c.Delete)...)
	f.ScriptExtract(toErrors(c.Extract)...)
	f.ScriptMail(toErrors(c.Mail)...)
}

// wire builds the dispatcher, follower and sweeper over the current
// runtime and installs activity overrides. It runs again after a restart.
func (h *Harness) wire() {
	e := h.env
	if reasons := h.scenario.Collaborators.FailureReasons; len(reasons) > 0 {
		lookup := e.Runtime
		durable.RegisterActivity(e.Runtime, activity.NameFindFailureReason, func(ctx context.Context, in activity.KeyInput) (activity.ReasonResult, error) {
			if r, ok := reasons[in.Identity]; ok {
				return activity.ReasonResult{Reason: r}, nil
			}
			acts := &activity.Activities{Instances: lookup}
			return acts.FindFailureReason(ctx, in)
		})
	}

	d := dispatcher.New(e.Runtime, e.Store,
		dispatcher.WithLogger(e.Logger),
		dispatcher.WithConcurrency(1),
		dispatcher.WithObserver(h.observe),
	)
	h.follower = dispatcher.NewFollower(e.Store, d, dispatcher.FollowerConfig{
		BatchSize: math.MaxInt32,
		Clock:     e.Clock,
		Logger:    e.Logger,
	})
	h.sweeper = dispatcher.NewSweeper(e.Store, e.Runtime, false, e.Logger)
}

// observe records a dispatcher outcome. The dispatcher runs with a
// concurrency of one, so outcomes arrive in feed order.
func (h *Harness) observe(o dispatcher.Outcome) {
	h.result.Dispatches = append(h.result.Dispatches, DispatchEvent{
		Record: describeRecord(o.Record),
		Action: string(o.Action),
		Result: string(o.Result),
	})
}

func (h *Harness) execute(ctx context.Context, step FlowStep) error {
	e := h.env
	switch {
	case step.Append != nil:
		_, err := e.Store.Append(ctx, record.Record{
			Operation: record.Operation(step.Append.Operation),
			Identity:  step.Append.Identity,
			Status:    record.Status(step.Append.Status),
			Reason:    step.Append.Reason,
		})
		return err
	case step.Dispatch:
		if _, err := h.follower.CatchUp(ctx); err != nil {
			return err
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		e.Clock.Advance(d)
	case step.Sweep:
		if _, err := h.sweeper.Sweep(ctx); err != nil {
			return err
		}
	case step.Restart:
		e.Restart()
		h.wire()
	}
	return e.Runtime.Drain(ctx)
}

// collect fills the trace, records and instance results.
func (h *Harness) collect(ctx context.Context) error {
	e := h.env
	for _, c := range e.Recorder.Calls() {
		h.result.Trace = append(h.result.Trace, TraceEvent{
			Instance: c.Instance,
			Call:     c.String(),
			Attempt:  c.Attempt,
			Error:    c.Error,
		})
	}

	records, err := e.Store.Changes(ctx, 0, math.MaxInt32)
	if err != nil {
		return err
	}
	for _, rec := range records {
		h.result.Records = append(h.result.Records, describeRecord(rec))
	}

	instances, err := e.Runtime.ListInstances(ctx, "")
	if err != nil {
		return err
	}
	for _, inst := range instances {
		h.result.Instances[inst.ID] = describeInstance(inst)
	}
	return nil
}

func describeRecord(rec record.Record) string {
	s := fmt.Sprintf("%s v%d %s", rec.Key(), rec.Version, rec.Status)
	if rec.Reason != "" {
		s += " " + rec.Reason
	}
	return s
}

func describeInstance(inst durable.Instance) string {
	if inst.Status != durable.StatusCompleted {
		return string(inst.Status)
	}
	var res outcome.Result
	if err := json.Unmarshal(inst.Output, &res); err != nil {
		return string(inst.Status)
	}
	return res.String()
}

func toErrors(msgs []string) []error {
	errs := make([]error, len(msgs))
	for i, m := range msgs {
		if m != "" {
			errs[i] = errors.New(m)
		}
	}
	return errs
}
