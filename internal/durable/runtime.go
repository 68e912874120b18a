package durable

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/dsrflow/internal/retry"
)

//go:embed schema.sql
var schemaSQL string

// RuntimeStatus is the lifecycle state of an orchestration instance.
type RuntimeStatus string

const (
	StatusRunning    RuntimeStatus = "Running"
	StatusCompleted  RuntimeStatus = "Completed"
	StatusFailed     RuntimeStatus = "Failed"
	StatusTerminated RuntimeStatus = "Terminated"
)

// Terminal reports whether the instance will not execute again.
func (s RuntimeStatus) Terminal() bool {
	return s != StatusRunning
}

// Defaults.
const (
	DefaultWorkers           = 4
	DefaultTimerPollInterval = time.Second
	DefaultMaxSteps          = 10000
)

// OrchestratorFunc is a deterministic workflow body. It is re-executed from
// the start every time the instance is resumed; completed steps replay from
// history. The returned value is marshalled as the instance output.
type OrchestratorFunc func(ctx *Context) (any, error)

// ActivityFunc performs one unit of side-effecting work. It receives the
// JSON-encoded input and returns a value that is JSON-encoded into history.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// ActivityCall describes one attempt of an activity, as seen by an observer.
type ActivityCall struct {
	InstanceID string
	Name       string
	Attempt    int
	Input      json.RawMessage
	Output     json.RawMessage
	Err        error
}

// Instance is the stored state of an orchestration instance.
type Instance struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ExecutionID string          `json:"executionId"`
	Status      RuntimeStatus   `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Runtime executes orchestration instances durably on top of SQLite.
//
// Thread-safety model:
//   - Register/RegisterActivity: call before Run or Drain
//   - StartInstance, RaiseEvent, GetStatus, Terminate: safe from any goroutine
//   - Run: call from exactly one goroutine
//   - Drain: never concurrently with Run
//
// INVARIANTS:
//   - An instance id is never executed by two workers at once
//   - A step is recorded at most once per execution
//   - Activities run only when their step has no recorded result
type Runtime struct {
	db           *sql.DB
	clock        clock.Clock
	retryClock   clock.Clock
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	maxSteps     int
	observer     func(ActivityCall)

	regMu         sync.RWMutex
	orchestrators map[string]OrchestratorFunc
	activities    map[string]ActivityFunc

	queue *workQueue

	runMu    sync.Mutex
	inflight map[string]bool
	dirty    map[string]bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClock sets the clock used for CurrentTime, timers and polling.
func WithClock(c clock.Clock) Option {
	return func(rt *Runtime) {
		rt.clock = c
	}
}

// WithRetryClock sets the clock that measures delays between activity
// retries. Defaults to the runtime clock.
func WithRetryClock(c clock.Clock) Option {
	return func(rt *Runtime) {
		rt.retryClock = c
	}
}

// WithLogger sets the runtime logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = l
	}
}

// WithWorkers sets the number of instances executed concurrently by Run.
func WithWorkers(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.workers = n
		}
	}
}

// WithTimerPollInterval sets how often Run looks for due timers.
func WithTimerPollInterval(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.pollInterval = d
		}
	}
}

// WithMaxSteps bounds the steps a single execution may record.
// Zero disables the limit.
func WithMaxSteps(n int) Option {
	return func(rt *Runtime) {
		rt.maxSteps = n
	}
}

// WithActivityObserver registers fn to be called after every live activity
// attempt. Replayed steps are not observed.
func WithActivityObserver(fn func(ActivityCall)) Option {
	return func(rt *Runtime) {
		rt.observer = fn
	}
}

// New creates a Runtime over db, creating its tables if needed.
// db is typically the state store's handle so both share one SQLite file.
func New(db *sql.DB, opts ...Option) (*Runtime, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("apply runtime schema: %w", err)
	}

	rt := &Runtime{
		db:            db,
		clock:         clock.WallClock,
		logger:        slog.Default(),
		workers:       DefaultWorkers,
		pollInterval:  DefaultTimerPollInterval,
		maxSteps:      DefaultMaxSteps,
		orchestrators: make(map[string]OrchestratorFunc),
		activities:    make(map[string]ActivityFunc),
		queue:         newWorkQueue(),
		inflight:      make(map[string]bool),
		dirty:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.retryClock == nil {
		rt.retryClock = rt.clock
	}
	return rt, nil
}

// Register makes an orchestrator available under name.
func (rt *Runtime) Register(name string, fn OrchestratorFunc) {
	rt.regMu.Lock()
	defer rt.regMu.Unlock()
	rt.orchestrators[name] = fn
}

// RegisterActivityFunc makes an untyped activity available under name.
func (rt *Runtime) RegisterActivityFunc(name string, fn ActivityFunc) {
	rt.regMu.Lock()
	defer rt.regMu.Unlock()
	rt.activities[name] = fn
}

// RegisterActivity makes a typed activity available under name.
// Input that cannot be decoded fails the call permanently.
func RegisterActivity[In, Out any](rt *Runtime, name string, fn func(context.Context, In) (Out, error)) {
	rt.RegisterActivityFunc(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, retry.Permanent(fmt.Errorf("decode %s input: %w", name, err))
			}
		}
		return fn(ctx, in)
	})
}

func (rt *Runtime) orchestrator(name string) (OrchestratorFunc, bool) {
	rt.regMu.RLock()
	defer rt.regMu.RUnlock()
	fn, ok := rt.orchestrators[name]
	return fn, ok
}

func (rt *Runtime) activity(name string) (ActivityFunc, bool) {
	rt.regMu.RLock()
	defer rt.regMu.RUnlock()
	fn, ok := rt.activities[name]
	return fn, ok
}

func (rt *Runtime) now() time.Time {
	return rt.clock.Now().UTC()
}

func (rt *Runtime) observe(call ActivityCall) {
	if rt.observer != nil {
		rt.observer(call)
	}
}

// StartInstance starts orchestrator name at id with input.
//
// Starting an id that is Running is a no-op and returns started=false.
// Starting an id whose previous execution is terminal begins a new
// execution with fresh history under the same id.
func (rt *Runtime) StartInstance(ctx context.Context, name, id string, input any) (started bool, err error) {
	if _, ok := rt.orchestrator(name); !ok {
		return false, fmt.Errorf("start %s: %w %q", id, ErrUnknownOrchestrator, name)
	}
	data, err := marshalPayload(input)
	if err != nil {
		return false, fmt.Errorf("start %s: encode input: %w", id, err)
	}

	tx, err := rt.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("start %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE id = ?`, id).Scan(&status)
	now := toUnixNano(rt.now())
	execID := uuid.NewString()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO instances
			(id, name, execution_id, input, status, output, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, '', ?, ?)
		`, id, name, execID, string(data), string(StatusRunning), now, now)
	case err != nil:
		return false, fmt.Errorf("start %s: read instance: %w", id, err)
	case RuntimeStatus(status) == StatusRunning:
		rt.logger.Debug("instance already running", "instance", id, "name", name)
		return false, nil
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE instances
			SET name = ?, execution_id = ?, input = ?, status = ?, output = '', updated_at = ?
			WHERE id = ?
		`, name, execID, string(data), string(StatusRunning), now, id)
	}
	if err != nil {
		return false, fmt.Errorf("start %s: write instance: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("start %s: commit: %w", id, err)
	}

	rt.logger.Info("instance started", "instance", id, "name", name, "execution", execID)
	rt.queue.Enqueue(id)
	return true, nil
}

// RaiseEvent delivers a named event to the current execution of id.
// Returns ErrInstanceNotFound or ErrInstanceNotRunning when there is no
// running execution to receive it.
func (rt *Runtime) RaiseEvent(ctx context.Context, id, name string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("raise %s on %s: encode payload: %w", name, id, err)
	}

	tx, err := rt.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("raise %s on %s: begin tx: %w", name, id, err)
	}
	defer tx.Rollback()

	var status, execID string
	err = tx.QueryRowContext(ctx, `SELECT status, execution_id FROM instances WHERE id = ?`, id).Scan(&status, &execID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("raise %s on %s: %w", name, id, ErrInstanceNotFound)
	}
	if err != nil {
		return fmt.Errorf("raise %s on %s: read instance: %w", name, id, err)
	}
	if RuntimeStatus(status) != StatusRunning {
		return fmt.Errorf("raise %s on %s: %w (%s)", name, id, ErrInstanceNotRunning, status)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inbox (id, instance_id, execution_id, name, payload, consumed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, uuid.NewString(), id, execID, name, string(data), toUnixNano(rt.now()))
	if err != nil {
		return fmt.Errorf("raise %s on %s: insert: %w", name, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("raise %s on %s: commit: %w", name, id, err)
	}

	rt.logger.Info("event raised", "instance", id, "event", name)
	rt.queue.Enqueue(id)
	return nil
}

// GetStatus returns the stored state of id.
// Returns ErrInstanceNotFound if id was never started.
func (rt *Runtime) GetStatus(ctx context.Context, id string) (Instance, error) {
	inst, err := loadInstance(ctx, rt.db, id)
	if err != nil {
		return Instance{}, fmt.Errorf("status %s: %w", id, err)
	}
	return inst, nil
}

// ListInstances returns instances with the given status, or all instances
// when status is empty, ordered by id.
func (rt *Runtime) ListInstances(ctx context.Context, status RuntimeStatus) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := rt.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	instances := []Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

// Terminate stops a running instance. Its output records reason as a fault
// and its pending timers are cancelled. In-flight activities are not
// interrupted, but their results are never applied.
func (rt *Runtime) Terminate(ctx context.Context, id, reason string) error {
	inst, err := loadInstance(ctx, rt.db, id)
	if err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	if inst.Status != StatusRunning {
		return fmt.Errorf("terminate %s: %w (%s)", id, ErrInstanceNotRunning, inst.Status)
	}

	output, err := faultOutput(fmt.Errorf("terminated: %s", reason))
	if err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	finished, err := rt.finish(ctx, inst, StatusTerminated, output)
	if err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	if !finished {
		return fmt.Errorf("terminate %s: %w", id, ErrInstanceNotRunning)
	}
	rt.logger.Warn("instance terminated", "instance", id, "reason", reason)
	return nil
}

// Resume enqueues every Running instance. Call it after a restart so
// instances parked before the crash are replayed.
func (rt *Runtime) Resume(ctx context.Context) (int, error) {
	running, err := rt.ListInstances(ctx, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	for _, inst := range running {
		rt.queue.Enqueue(inst.ID)
	}
	return len(running), nil
}

// Run executes instances on a worker pool and fires due timers until ctx
// is cancelled. Running instances left by a previous process are resumed
// first.
func (rt *Runtime) Run(ctx context.Context) error {
	resumed, err := rt.Resume(ctx)
	if err != nil {
		return err
	}
	rt.logger.Info("runtime starting", "workers", rt.workers, "resumed", resumed)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < rt.workers; i++ {
		g.Go(func() error {
			return rt.work(gctx)
		})
	}
	g.Go(func() error {
		return rt.pollTimers(gctx)
	})

	err = g.Wait()
	rt.logger.Info("runtime stopping", "reason", err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

// Drain executes runnable work on the calling goroutine until none is left:
// every queued instance has run and no timer is due. Timers due in the
// future stay pending. Drain is for tests and one-shot CLI commands.
func (rt *Runtime) Drain(ctx context.Context) error {
	for {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, ok := rt.queue.TryDequeue()
			if !ok {
				break
			}
			rt.process(ctx, id)
		}

		fired, err := rt.fireDueTimers(ctx)
		if err != nil {
			return err
		}
		if fired == 0 && rt.queue.Len() == 0 {
			return nil
		}
	}
}

func (rt *Runtime) work(ctx context.Context) error {
	for {
		if id, ok := rt.queue.TryDequeue(); ok {
			rt.process(ctx, id)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.queue.Wait():
		}
	}
}

func (rt *Runtime) pollTimers(ctx context.Context) error {
	for {
		if _, err := rt.fireDueTimers(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Error("fire due timers", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.clock.After(rt.pollInterval):
		}
	}
}

// process executes id unless another worker already is; in that case the
// running worker re-queues it when done.
func (rt *Runtime) process(ctx context.Context, id string) {
	rt.runMu.Lock()
	if rt.inflight[id] {
		rt.dirty[id] = true
		rt.runMu.Unlock()
		return
	}
	rt.inflight[id] = true
	rt.runMu.Unlock()

	if err := rt.execute(ctx, id); err != nil && ctx.Err() == nil {
		rt.logger.Error("execute instance", "instance", id, "error", err)
	}

	rt.runMu.Lock()
	delete(rt.inflight, id)
	again := rt.dirty[id]
	delete(rt.dirty, id)
	rt.runMu.Unlock()

	if again {
		rt.queue.Enqueue(id)
	}
}

// execute replays id from its history and runs it until it completes,
// fails or suspends.
func (rt *Runtime) execute(ctx context.Context, id string) error {
	inst, err := loadInstance(ctx, rt.db, id)
	if errors.Is(err, ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if inst.Status != StatusRunning {
		return nil
	}

	fn, ok := rt.orchestrator(inst.Name)
	if !ok {
		return rt.fail(ctx, inst, fmt.Errorf("%w %q", ErrUnknownOrchestrator, inst.Name))
	}

	history, err := loadHistory(ctx, rt.db, inst.ID, inst.ExecutionID)
	if err != nil {
		return err
	}

	c := newContext(ctx, rt, inst, history)
	result, runErr := c.run(fn)

	switch {
	case c.fault != nil:
		return rt.fail(ctx, c.inst, c.fault)
	case c.suspended:
		if c.infraErr != nil {
			rt.retryLater(id)
			return fmt.Errorf("suspended on storage error: %w", c.infraErr)
		}
		rt.logger.Debug("instance suspended", "instance", id, "steps", c.seq)
		return nil
	case runErr != nil:
		return rt.fail(ctx, c.inst, runErr)
	}

	output, err := marshalPayload(result)
	if err != nil {
		return rt.fail(ctx, c.inst, fmt.Errorf("encode output: %w", err))
	}
	if _, err := rt.finish(ctx, inst, StatusCompleted, output); err != nil {
		return err
	}
	rt.logger.Info("instance completed", "instance", id, "name", inst.Name, "steps", c.seq)
	return nil
}

// fail records cause as the instance fault output.
func (rt *Runtime) fail(ctx context.Context, inst Instance, cause error) error {
	output, err := faultOutput(cause)
	if err != nil {
		return err
	}
	if _, err := rt.finish(ctx, inst, StatusFailed, output); err != nil {
		return err
	}
	rt.logger.Error("instance failed", "instance", inst.ID, "name", inst.Name, "error", cause)
	return nil
}

// finish moves the running execution of inst to a terminal status and
// cancels its pending timers. Returns false if the execution was no longer
// running.
func (rt *Runtime) finish(ctx context.Context, inst Instance, status RuntimeStatus, output json.RawMessage) (bool, error) {
	tx, err := rt.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("finish %s: begin tx: %w", inst.ID, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE instances SET status = ?, output = ?, updated_at = ?
		WHERE id = ? AND execution_id = ? AND status = ?
	`, string(status), string(output), toUnixNano(rt.now()), inst.ID, inst.ExecutionID, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("finish %s: update: %w", inst.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish %s: rows affected: %w", inst.ID, err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE timers SET state = ?
		WHERE instance_id = ? AND execution_id = ? AND state = ?
	`, timerCancelled, inst.ID, inst.ExecutionID, timerPending); err != nil {
		return false, fmt.Errorf("finish %s: cancel timers: %w", inst.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("finish %s: commit: %w", inst.ID, err)
	}
	return true, nil
}

// retryLater re-queues id after the poll interval.
func (rt *Runtime) retryLater(id string) {
	rt.clock.AfterFunc(rt.pollInterval, func() {
		rt.queue.Enqueue(id)
	})
}

// fireDueTimers marks every pending timer that is due as fired and queues
// its instance. Returns the number of timers fired.
func (rt *Runtime) fireDueTimers(ctx context.Context) (int, error) {
	due, err := dueTimers(ctx, rt.db, rt.now())
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, t := range due {
		result, err := rt.db.ExecContext(ctx, `
			UPDATE timers SET state = ?
			WHERE instance_id = ? AND execution_id = ? AND seq = ? AND state = ?
		`, timerFired, t.instanceID, t.executionID, t.seq, timerPending)
		if err != nil {
			return fired, fmt.Errorf("fire timer %s#%d: %w", t.instanceID, t.seq, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			fired++
			rt.logger.Debug("timer fired", "instance", t.instanceID, "step", t.seq)
			rt.queue.Enqueue(t.instanceID)
		}
	}
	return fired, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

type fault struct {
	Error string `json:"error"`
}

func faultOutput(cause error) (json.RawMessage, error) {
	data, err := json.Marshal(fault{Error: cause.Error()})
	if err != nil {
		return nil, fmt.Errorf("encode fault: %w", err)
	}
	return data, nil
}

func toUnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
