package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/record"
)

// DefaultConcurrency bounds how many keys a batch works on at once.
const DefaultConcurrency = 8

// Action is what the dispatcher does for a record shape.
type Action string

const (
	ActionStart        Action = "start"
	ActionAbort        Action = "abort"
	ActionLedgerUpsert Action = "ledger-upsert"
	ActionLedgerDelete Action = "ledger-delete"
	ActionSkip         Action = "skip"
)

// Result says how an action ended.
type Result string

const (
	// ResultApplied means the action changed something.
	ResultApplied Result = "applied"

	// ResultNoop means the action found it had already been applied: the
	// instance was running, no instance took the event, or the ledger was
	// already in the wanted state.
	ResultNoop Result = "noop"

	// ResultSkipped means the record matched no action.
	ResultSkipped Result = "skipped"

	// ResultError means the action failed. Outcome.Err holds the cause.
	ResultError Result = "error"
)

// anyOperation matches every operation in the table.
const anyOperation record.Operation = "*"

type shape struct {
	op     record.Operation
	status record.Status
}

var table = map[shape]Action{
	{record.OperationDownload, record.StatusPending}: ActionStart,
	{record.OperationDelete, record.StatusPending}:   ActionStart,
	{record.OperationDelete, record.StatusAborted}:   ActionAbort,
	{anyOperation, record.StatusFailed}:              ActionLedgerUpsert,
	{anyOperation, record.StatusClosed}:              ActionLedgerDelete,
}

// Classify returns the action for a record shape. An exact operation match
// wins over the wildcard.
func Classify(op record.Operation, status record.Status) Action {
	if a, ok := table[shape{op, status}]; ok {
		return a
	}
	if a, ok := table[shape{anyOperation, status}]; ok {
		return a
	}
	return ActionSkip
}

// Outcome is the result of dispatching one record.
type Outcome struct {
	Record record.Record
	Action Action
	Result Result
	Err    error
}

// Runtime is the part of the orchestration runtime the dispatcher drives.
type Runtime interface {
	StartInstance(ctx context.Context, name, id string, input any) (bool, error)
	RaiseEvent(ctx context.Context, id, name string, payload any) error
	GetStatus(ctx context.Context, id string) (durable.Instance, error)
}

// Ledger is the failed-request index.
type Ledger interface {
	InsertFailed(ctx context.Context, key record.Key, reason string) (bool, error)
	DeleteFailed(ctx context.Context, key record.Key) (bool, error)
}

// Dispatcher applies the classification table to records.
type Dispatcher struct {
	rt          Runtime
	ledger      Ledger
	logger      *slog.Logger
	concurrency int
	enabled     map[record.Operation]bool
	observe     func(Outcome)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithConcurrency bounds how many keys are dispatched at once.
// Values below one are ignored.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithOperations limits dispatching to ops. Records of any other operation
// are skipped. An empty list keeps every operation enabled.
func WithOperations(ops ...record.Operation) Option {
	return func(d *Dispatcher) {
		if len(ops) == 0 {
			return
		}
		d.enabled = make(map[record.Operation]bool, len(ops))
		for _, op := range ops {
			d.enabled[op] = true
		}
	}
}

// WithObserver registers fn to see every outcome. fn may be called from
// several goroutines at once.
func WithObserver(fn func(Outcome)) Option {
	return func(d *Dispatcher) {
		d.observe = fn
	}
}

// New creates a Dispatcher over a runtime and the ledger.
func New(rt Runtime, ledger Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rt:          rt,
		ledger:      ledger,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles a batch and returns one outcome per record, in input
// order. Records of the same key are handled one after another in input
// order; different keys run concurrently. A failing record never stops the
// rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, records []record.Record) []Outcome {
	out := make([]Outcome, len(records))

	var order []record.Key
	groups := make(map[record.Key][]int)
	for i, rec := range records {
		k := rec.Key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, k := range order {
		idx := groups[k]
		g.Go(func() error {
			for _, i := range idx {
				out[i] = d.DispatchOne(ctx, records[i])
			}
			return nil
		})
	}
	_ = g.Wait() // Workers never return an error

	return out
}

// DispatchOne handles a single record.
func (d *Dispatcher) DispatchOne(ctx context.Context, rec record.Record) Outcome {
	o := d.dispatch(ctx, rec)

	attrs := []any{"operation", rec.Operation, "identity", rec.Identity, "status", rec.Status,
		"seq", rec.Seq, "action", o.Action, "result", o.Result}
	switch o.Result {
	case ResultError:
		d.logger.Error("dispatch failed", append(attrs, "error", o.Err)...)
	case ResultSkipped:
		d.logger.Warn("record skipped", attrs...)
	default:
		d.logger.Debug("record dispatched", attrs...)
	}

	if d.observe != nil {
		d.observe(o)
	}
	return o
}

func (d *Dispatcher) dispatch(ctx context.Context, rec record.Record) Outcome {
	o := Outcome{Record: rec, Action: Classify(rec.Operation, rec.Status)}
	if o.Action == ActionSkip || (d.enabled != nil && !d.enabled[rec.Operation]) {
		o.Action = ActionSkip
		o.Result = ResultSkipped
		return o
	}

	var (
		applied bool
		err     error
	)
	switch o.Action {
	case ActionStart:
		applied, err = d.start(ctx, rec)
	case ActionAbort:
		applied, err = d.abort(ctx, rec)
	case ActionLedgerUpsert:
		applied, err = d.ledger.InsertFailed(ctx, rec.Key(), rec.Reason)
	case ActionLedgerDelete:
		applied, err = d.ledger.DeleteFailed(ctx, rec.Key())
	default:
		err = fmt.Errorf("unhandled action %q", o.Action)
	}

	switch {
	case err != nil:
		o.Result, o.Err = ResultError, err
	case applied:
		o.Result = ResultApplied
	default:
		o.Result = ResultNoop
	}
	return o
}

// start starts the workflow of rec. A redelivered version that the
// instance already ran for, or ran past, does not start it again.
func (d *Dispatcher) start(ctx context.Context, rec record.Record) (bool, error) {
	id := record.InstanceID(rec.Operation, rec.Identity)
	inst, err := d.rt.GetStatus(ctx, id)
	switch {
	case errors.Is(err, durable.ErrInstanceNotFound):
	case err != nil:
		return false, err
	case rec.Seq > 0:
		var prev record.Record
		if json.Unmarshal(inst.Input, &prev) == nil && prev.Seq >= rec.Seq {
			return false, nil
		}
	}
	return d.rt.StartInstance(ctx, orchestrator.NameFor(rec.Operation), id, rec)
}

// abort raises the abort event on the running delete. A delete that is
// gone or already past its grace period has nothing to abort.
func (d *Dispatcher) abort(ctx context.Context, rec record.Record) (bool, error) {
	err := d.rt.RaiseEvent(ctx, record.InstanceID(rec.Operation, rec.Identity), orchestrator.EventAbort, nil)
	if errors.Is(err, durable.ErrInstanceNotFound) || errors.Is(err, durable.ErrInstanceNotRunning) {
		return false, nil
	}
	return err == nil, err
}
