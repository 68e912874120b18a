package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/dsrflow/internal/retry"
)

var discardLogger = slog.New(slog.DiscardHandler)

// Context is handed to an orchestrator for one execution pass.
//
// Every await (activity call, CurrentTime, CreateTimer, WhenAny) is a step
// with an index. Steps already in history return their recorded result;
// the first unrecorded step runs live and is recorded before returning.
// An await that cannot resolve yet returns ErrSuspended, and every step
// after it does too, so an orchestrator that propagates the error performs
// no further work in this pass.
type Context struct {
	ctx     context.Context
	rt      *Runtime
	inst    Instance
	history []historyEvent
	seq     int
	logger  *slog.Logger

	suspended bool
	infraErr  error
	fault     error
}

func newContext(ctx context.Context, rt *Runtime, inst Instance, history []historyEvent) *Context {
	return &Context{
		ctx:     ctx,
		rt:      rt,
		inst:    inst,
		history: history,
		logger:  rt.logger.With("instance", inst.ID, "orchestrator", inst.Name),
	}
}

// run calls fn, converting a panic into an error.
func (c *Context) run(fn OrchestratorFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator panic: %v", r)
		}
	}()
	return fn(c)
}

// invoke calls an activity, converting a panic into a permanent failure so
// the orchestrator sees an ordinary activity error.
func invoke(ctx context.Context, fn ActivityFunc, in json.RawMessage) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("activity panic: %v", r))
		}
	}()
	return fn(ctx, in)
}

// InstanceID returns the id of the running instance.
func (c *Context) InstanceID() string {
	return c.inst.ID
}

// Input returns the JSON input the instance was started with.
func (c *Context) Input() json.RawMessage {
	return c.inst.Input
}

// IsReplaying reports whether the next step will be served from history.
func (c *Context) IsReplaying() bool {
	return c.seq < len(c.history)
}

// Logger returns a logger scoped to the instance. It discards output while
// replaying so each line is emitted once per execution.
func (c *Context) Logger() *slog.Logger {
	if c.IsReplaying() {
		return discardLogger
	}
	return c.logger
}

// nextStep validates the next step against history. It returns the
// recorded event, or nil when the step must run live.
func (c *Context) nextStep(kind, name string) (int, *historyEvent, error) {
	if c.fault != nil {
		return 0, nil, c.fault
	}
	if c.suspended {
		return 0, nil, ErrSuspended
	}

	seq := c.seq
	if c.rt.maxSteps > 0 && seq >= c.rt.maxSteps {
		c.fault = &StepsExceededError{InstanceID: c.inst.ID, Steps: seq + 1, Limit: c.rt.maxSteps}
		return 0, nil, c.fault
	}

	if seq < len(c.history) {
		ev := &c.history[seq]
		if ev.Kind != kind || ev.Name != name {
			c.fault = &NonDeterminismError{
				InstanceID: c.inst.ID,
				Seq:        seq,
				Recorded:   ev.Kind + ":" + ev.Name,
				Requested:  kind + ":" + name,
			}
			return 0, nil, c.fault
		}
		c.seq++
		return seq, ev, nil
	}
	return seq, nil, nil
}

// suspend parks the instance. A non-nil cause is a storage failure and the
// instance is retried later.
func (c *Context) suspend(cause error) error {
	c.suspended = true
	if cause != nil {
		c.infraErr = cause
	}
	return ErrSuspended
}

// record persists a live step and advances the step index.
func (c *Context) record(ev historyEvent) error {
	if err := appendHistory(c.ctx, c.rt.db, c.inst, ev, c.rt.now()); err != nil {
		return c.suspend(err)
	}
	c.seq++
	return nil
}

// CallActivity runs activity name once. out receives the decoded result.
// A failure is returned as *ActivityError.
func (c *Context) CallActivity(name string, input, out any) error {
	return c.CallActivityWithRetry(name, retry.Once, input, out)
}

// CallActivityWithRetry runs activity name under policy, retrying
// transient failures. Only the final outcome is recorded. If the process
// stops while the activity runs, the call is not recorded and runs again
// on resume, so activities must be safe to repeat.
func (c *Context) CallActivityWithRetry(name string, policy retry.Policy, input, out any) error {
	seq, ev, err := c.nextStep(kindActivity, name)
	if err != nil {
		return err
	}
	if ev != nil {
		return ev.activityResult(out)
	}

	fn, ok := c.rt.activity(name)
	if !ok {
		c.fault = fmt.Errorf("unknown activity %q", name)
		return c.fault
	}
	in, err := marshalPayload(input)
	if err != nil {
		c.fault = fmt.Errorf("encode %s input: %w", name, err)
		return c.fault
	}

	var (
		output    json.RawMessage
		permanent bool
		attempt   int
	)
	callErr := retry.DoWithClock(c.ctx, c.rt.retryClock, policy, name, func(ctx context.Context) error {
		attempt++
		res, err := invoke(ctx, fn, in)
		var raw json.RawMessage
		if err == nil {
			if raw, err = marshalPayload(res); err != nil {
				err = retry.Permanent(fmt.Errorf("encode %s output: %w", name, err))
			}
		}
		c.rt.observe(ActivityCall{
			InstanceID: c.inst.ID,
			Name:       name,
			Attempt:    attempt,
			Input:      in,
			Output:     raw,
			Err:        err,
		})
		permanent = retry.IsPermanent(err)
		output = raw
		return err
	})
	if c.ctx.Err() != nil {
		return c.suspend(nil)
	}

	rec := historyEvent{Seq: seq, Kind: kindActivity, Name: name}
	if callErr != nil {
		rec.Error = callErr.Error()
		rec.Permanent = permanent
		c.logger.Warn("activity failed", "activity", name, "attempts", attempt, "permanent", permanent, "error", callErr)
	} else {
		rec.Payload = output
		c.logger.Debug("activity completed", "activity", name, "attempts", attempt)
	}
	if err := c.record(rec); err != nil {
		return err
	}
	return rec.activityResult(out)
}

func (ev *historyEvent) activityResult(out any) error {
	if ev.Error != "" {
		return &ActivityError{Name: ev.Name, Message: ev.Error, Permanent: ev.Permanent}
	}
	if out == nil || len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return fmt.Errorf("decode %s result: %w", ev.Name, err)
	}
	return nil
}

// CurrentTime returns the runtime clock's time, recorded so that replays
// observe the same instant.
func (c *Context) CurrentTime() (time.Time, error) {
	seq, ev, err := c.nextStep(kindTime, "now")
	if err != nil {
		return time.Time{}, err
	}
	if ev != nil {
		return decodeInstant(ev.Payload)
	}

	now := c.rt.now()
	payload, err := json.Marshal(toUnixNano(now))
	if err != nil {
		return time.Time{}, err
	}
	if err := c.record(historyEvent{Seq: seq, Kind: kindTime, Name: "now", Payload: payload}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// CreateTimer creates a durable timer firing at at. A time at or before
// now still creates a timer; it is simply due immediately.
func (c *Context) CreateTimer(at time.Time) (*Timer, error) {
	seq, ev, err := c.nextStep(kindTimer, "timer")
	if err != nil {
		return nil, err
	}
	if ev != nil {
		fireAt, err := decodeInstant(ev.Payload)
		if err != nil {
			return nil, err
		}
		return &Timer{c: c, seq: seq, fireAt: fireAt}, nil
	}

	fireAt := at.UTC()
	payload, err := json.Marshal(toUnixNano(fireAt))
	if err != nil {
		return nil, err
	}

	tx, err := c.rt.db.BeginTx(c.ctx, nil)
	if err != nil {
		return nil, c.suspend(err)
	}
	defer tx.Rollback()

	if err := appendHistory(c.ctx, tx, c.inst, historyEvent{Seq: seq, Kind: kindTimer, Name: "timer", Payload: payload}, c.rt.now()); err != nil {
		return nil, c.suspend(err)
	}
	if _, err := tx.ExecContext(c.ctx, `
		INSERT INTO timers (instance_id, execution_id, seq, fire_at, state)
		VALUES (?, ?, ?, ?, ?)
	`, c.inst.ID, c.inst.ExecutionID, seq, toUnixNano(fireAt), timerPending); err != nil {
		return nil, c.suspend(fmt.Errorf("insert timer: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, c.suspend(err)
	}

	c.seq++
	c.logger.Debug("timer created", "step", seq, "fire_at", fireAt)
	return &Timer{c: c, seq: seq, fireAt: fireAt}, nil
}

// WaitForEvent returns a task that completes when an event called name is
// raised on this instance. It is not a step on its own; pass it to WhenAny
// or call Await.
func (c *Context) WaitForEvent(name string) *EventTask {
	return &EventTask{c: c, name: name}
}

func decodeInstant(payload json.RawMessage) (time.Time, error) {
	var n int64
	if err := json.Unmarshal(payload, &n); err != nil {
		return time.Time{}, fmt.Errorf("decode recorded time: %w", err)
	}
	return fromUnixNano(n), nil
}

// IsSuspended reports whether err is, or wraps, ErrSuspended.
func IsSuspended(err error) bool {
	return errors.Is(err, ErrSuspended)
}
