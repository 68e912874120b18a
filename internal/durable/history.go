package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Step kinds recorded in history.
const (
	kindActivity = "activity"
	kindTime     = "time"
	kindTimer    = "timer"
	kindRace     = "race"
)

// Timer states.
const (
	timerPending   = "pending"
	timerFired     = "fired"
	timerCancelled = "cancelled"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// historyEvent is the recorded result of one step.
type historyEvent struct {
	Seq       int
	Kind      string
	Name      string
	Payload   json.RawMessage
	Error     string
	Permanent bool
}

const instanceColumns = `id, name, execution_id, input, status, output, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var (
		inst                 Instance
		status               string
		input, output        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&inst.ID, &inst.Name, &inst.ExecutionID, &input, &status, &output, &createdAt, &updatedAt); err != nil {
		return Instance{}, err
	}
	inst.Status = RuntimeStatus(status)
	if input != "" {
		inst.Input = json.RawMessage(input)
	}
	if output != "" {
		inst.Output = json.RawMessage(output)
	}
	inst.CreatedAt = fromUnixNano(createdAt)
	inst.UpdatedAt = fromUnixNano(updatedAt)
	return inst, nil
}

func loadInstance(ctx context.Context, q querier, id string) (Instance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrInstanceNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("load instance %s: %w", id, err)
	}
	return inst, nil
}

// loadHistory returns the recorded steps of one execution ordered by seq.
func loadHistory(ctx context.Context, q querier, instanceID, executionID string) ([]historyEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, kind, name, payload, error, permanent
		FROM history
		WHERE instance_id = ? AND execution_id = ?
		ORDER BY seq ASC
	`, instanceID, executionID)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", instanceID, err)
	}
	defer rows.Close()

	events := []historyEvent{}
	for rows.Next() {
		var (
			ev      historyEvent
			payload string
		)
		if err := rows.Scan(&ev.Seq, &ev.Kind, &ev.Name, &payload, &ev.Error, &ev.Permanent); err != nil {
			return nil, fmt.Errorf("scan history %s: %w", instanceID, err)
		}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		if ev.Seq != len(events) {
			return nil, fmt.Errorf("history %s has a gap at step %d", instanceID, len(events))
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history %s: %w", instanceID, err)
	}
	return events, nil
}

func appendHistory(ctx context.Context, q querier, inst Instance, ev historyEvent, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO history
		(instance_id, execution_id, seq, kind, name, payload, error, permanent, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.ExecutionID, ev.Seq, ev.Kind, ev.Name, string(ev.Payload), ev.Error, ev.Permanent, toUnixNano(at))
	if err != nil {
		return fmt.Errorf("record step %d of %s: %w", ev.Seq, inst.ID, err)
	}
	return nil
}

type timerRef struct {
	instanceID  string
	executionID string
	seq         int
}

// dueTimers returns pending timers of running executions with fire_at <= now.
func dueTimers(ctx context.Context, q querier, now time.Time) ([]timerRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.instance_id, t.execution_id, t.seq
		FROM timers t
		JOIN instances i ON i.id = t.instance_id AND i.execution_id = t.execution_id
		WHERE t.state = ? AND t.fire_at <= ? AND i.status = ?
		ORDER BY t.fire_at ASC, t.instance_id COLLATE BINARY ASC, t.seq ASC
	`, timerPending, toUnixNano(now), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query due timers: %w", err)
	}
	defer rows.Close()

	due := []timerRef{}
	for rows.Next() {
		var t timerRef
		if err := rows.Scan(&t.instanceID, &t.executionID, &t.seq); err != nil {
			return nil, fmt.Errorf("scan due timer: %w", err)
		}
		due = append(due, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due timers: %w", err)
	}
	return due, nil
}

// Step is one recorded step of an execution.
type Step struct {
	Seq     int             `json:"seq"`
	Kind    string          `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Steps returns the recorded steps of the current execution of id, oldest
// first. Returns ErrInstanceNotFound if id was never started.
func (rt *Runtime) Steps(ctx context.Context, id string) ([]Step, error) {
	inst, err := loadInstance(ctx, rt.db, id)
	if err != nil {
		return nil, fmt.Errorf("steps %s: %w", id, err)
	}
	events, err := loadHistory(ctx, rt.db, inst.ID, inst.ExecutionID)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, len(events))
	for i, ev := range events {
		steps[i] = Step{Seq: ev.Seq, Kind: ev.Kind, Name: ev.Name, Payload: ev.Payload, Error: ev.Error}
	}
	return steps, nil
}
