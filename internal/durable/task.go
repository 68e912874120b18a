package durable

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task is something an orchestrator can wait for with WhenAny.
type Task interface {
	describe() string
}

// Timer is a durable timer created by Context.CreateTimer.
type Timer struct {
	c      *Context
	seq    int
	fireAt time.Time
}

// FireAt returns when the timer is due.
func (t *Timer) FireAt() time.Time {
	return t.fireAt
}

// Cancel stops a pending timer. Cancelling a fired or cancelled timer is a
// no-op, so calling it again on replay is harmless.
func (t *Timer) Cancel() error {
	if t.c.suspended {
		return ErrSuspended
	}
	_, err := t.c.rt.db.ExecContext(t.c.ctx, `
		UPDATE timers SET state = ?
		WHERE instance_id = ? AND execution_id = ? AND seq = ? AND state = ?
	`, timerCancelled, t.c.inst.ID, t.c.inst.ExecutionID, t.seq, timerPending)
	if err != nil {
		return t.c.suspend(fmt.Errorf("cancel timer %d: %w", t.seq, err))
	}
	return nil
}

// Await blocks the orchestration until the timer fires.
func (t *Timer) Await() error {
	_, err := t.c.WhenAny(t)
	return err
}

func (t *Timer) describe() string {
	return fmt.Sprintf("timer@%d", t.seq)
}

// EventTask waits for a named external event.
type EventTask struct {
	c       *Context
	name    string
	payload json.RawMessage
}

// Name returns the event name.
func (e *EventTask) Name() string {
	return e.name
}

// Payload returns the payload of the event that completed the task, or nil
// if it has not completed.
func (e *EventTask) Payload() json.RawMessage {
	return e.payload
}

// Await blocks the orchestration until the event arrives.
func (e *EventTask) Await() error {
	_, err := e.c.WhenAny(e)
	return err
}

func (e *EventTask) describe() string {
	return "event:" + e.name
}

type raceResult struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WhenAny waits for the first of tasks to complete and returns its index.
//
// When several tasks are ready at resolution time, the one that became
// ready earliest wins (a timer at its fire time, an event when it was
// raised); ties go to the earlier argument. The winner is recorded, a
// winning event is consumed, and the losers are left untouched: callers
// cancel losing timers themselves.
func (c *Context) WhenAny(tasks ...Task) (int, error) {
	if len(tasks) == 0 {
		return -1, errors.New("when any: no tasks")
	}
	descs := make([]string, len(tasks))
	for i, t := range tasks {
		descs[i] = t.describe()
	}
	name := strings.Join(descs, "|")

	seq, ev, err := c.nextStep(kindRace, name)
	if err != nil {
		return -1, err
	}
	if ev != nil {
		var res raceResult
		if err := json.Unmarshal(ev.Payload, &res); err != nil {
			return -1, fmt.Errorf("decode race result: %w", err)
		}
		if et, ok := tasks[res.Index].(*EventTask); ok {
			et.payload = res.Payload
		}
		return res.Index, nil
	}

	res, ok, err := c.resolve(seq, name, tasks)
	if err != nil {
		return -1, c.suspend(err)
	}
	if !ok {
		return -1, c.suspend(nil)
	}
	c.seq++
	if et, ok := tasks[res.Index].(*EventTask); ok {
		et.payload = res.Payload
	}
	c.logger.Debug("race resolved", "step", seq, "winner", descs[res.Index])
	return res.Index, nil
}

// resolve picks the winner of a race and records it in one transaction.
func (c *Context) resolve(seq int, name string, tasks []Task) (raceResult, bool, error) {
	tx, err := c.rt.db.BeginTx(c.ctx, nil)
	if err != nil {
		return raceResult{}, false, err
	}
	defer tx.Rollback()

	now := c.rt.now()
	var (
		best    = -1
		bestAt  time.Time
		eventID string
		payload json.RawMessage
	)
	for i, task := range tasks {
		var (
			ready   bool
			readyAt time.Time
			id      string
			data    json.RawMessage
		)
		switch t := task.(type) {
		case *Timer:
			var state string
			err := tx.QueryRowContext(c.ctx, `
				SELECT state FROM timers
				WHERE instance_id = ? AND execution_id = ? AND seq = ?
			`, c.inst.ID, c.inst.ExecutionID, t.seq).Scan(&state)
			if err != nil {
				return raceResult{}, false, fmt.Errorf("read timer %d: %w", t.seq, err)
			}
			ready = state == timerFired || (state == timerPending && !t.fireAt.After(now))
			readyAt = t.fireAt
		case *EventTask:
			var (
				raw       string
				createdAt int64
			)
			err := tx.QueryRowContext(c.ctx, `
				SELECT id, payload, created_at FROM inbox
				WHERE instance_id = ? AND execution_id = ? AND name = ? AND consumed = 0
				ORDER BY created_at ASC, id ASC
				LIMIT 1
			`, c.inst.ID, c.inst.ExecutionID, t.name).Scan(&id, &raw, &createdAt)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return raceResult{}, false, fmt.Errorf("read event %s: %w", t.name, err)
			default:
				ready = true
				readyAt = fromUnixNano(createdAt)
				if raw != "" {
					data = json.RawMessage(raw)
				}
			}
		default:
			return raceResult{}, false, fmt.Errorf("unsupported task %T", task)
		}

		if ready && (best < 0 || readyAt.Before(bestAt)) {
			best, bestAt, eventID, payload = i, readyAt, id, data
		}
	}
	if best < 0 {
		return raceResult{}, false, nil
	}

	switch t := tasks[best].(type) {
	case *Timer:
		if _, err := tx.ExecContext(c.ctx, `
			UPDATE timers SET state = ?
			WHERE instance_id = ? AND execution_id = ? AND seq = ? AND state = ?
		`, timerFired, c.inst.ID, c.inst.ExecutionID, t.seq, timerPending); err != nil {
			return raceResult{}, false, fmt.Errorf("fire timer %d: %w", t.seq, err)
		}
	case *EventTask:
		if _, err := tx.ExecContext(c.ctx, `UPDATE inbox SET consumed = 1 WHERE id = ?`, eventID); err != nil {
			return raceResult{}, false, fmt.Errorf("consume event %s: %w", t.name, err)
		}
	}

	res := raceResult{Index: best, Payload: payload}
	data, err := json.Marshal(res)
	if err != nil {
		return raceResult{}, false, err
	}
	if err := appendHistory(c.ctx, tx, c.inst, historyEvent{Seq: seq, Kind: kindRace, Name: name, Payload: data}, now); err != nil {
		return raceResult{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return raceResult{}, false, err
	}
	return res, true, nil
}
