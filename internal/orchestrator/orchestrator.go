// Package orchestrator implements the DELETE, DOWNLOAD and recovery
// workflows on top of the durable runtime.
//
// Each workflow is a plain function over *durable.Context. It is re-run from
// the top whenever the instance resumes; completed activity calls, recorded
// times, timers and races replay from history. Workflows therefore keep all
// non-determinism inside activities and must return durable.ErrSuspended
// unchanged.
//
// Failures are caught once at the top of each workflow, classified with
// Classify, and written to the processing record as a FAILED version whose
// reason has the form "{kind}({activity})|{detail}".
package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/retry"
)

// Orchestrator names as registered on the runtime.
const (
	NameDelete   = "DeleteOrchestrator"
	NameDownload = "DownloadOrchestrator"
	NameRecovery = "RecoveryOrchestrator"
)

// EventAbort is raised on a DELETE instance to abort it during the grace period.
const EventAbort = "ABORT"

// Defaults.
const (
	DefaultGracePeriod            = 7 * 24 * time.Hour
	DefaultDependencyPollInterval = 10 * time.Minute
)

// Config holds workflow settings. It is read on every replay, so changing it
// while instances are parked only affects steps that have not run yet.
type Config struct {
	// GracePeriod delays a deletion so it can still be aborted.
	GracePeriod time.Duration

	// InstantDelete lists identities deleted without a grace period.
	InstantDelete []string

	// DependencyPollInterval is how often a deletion re-checks a pending
	// download of the same identity.
	DependencyPollInterval time.Duration

	// BackupDestination is passed to the deletion routine.
	BackupDestination string

	// ServiceID identifies this service to the subscription feed.
	ServiceID string

	// StatusWrite governs processing-record writes.
	StatusWrite retry.Policy

	// Activity governs retried side-effecting activities.
	Activity retry.Policy
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.DependencyPollInterval <= 0 {
		c.DependencyPollInterval = DefaultDependencyPollInterval
	}
	if c.StatusWrite.MaxAttempts == 0 {
		c.StatusWrite = retry.StatusWrite
	}
	if c.Activity.MaxAttempts == 0 {
		c.Activity = retry.Activity
	}
	return c
}

// ResultHook observes the result of a workflow the first time it is reached.
type ResultHook func(name string, res outcome.Result)

// Orchestrators holds the workflow configuration.
type Orchestrators struct {
	conf    Config
	instant map[string]bool
	hook    ResultHook
}

// New returns the workflows configured by conf.
func New(conf Config, hook ResultHook) *Orchestrators {
	conf = conf.Defaults()
	instant := make(map[string]bool, len(conf.InstantDelete))
	for _, id := range conf.InstantDelete {
		instant[norm.NFC.String(id)] = true
	}
	return &Orchestrators{conf: conf, instant: instant, hook: hook}
}

// Register registers the three workflows on rt.
func (o *Orchestrators) Register(rt *durable.Runtime) {
	rt.Register(NameDelete, o.Delete)
	rt.Register(NameDownload, o.Download)
	rt.Register(NameRecovery, o.Recovery)
}

// Config returns the effective configuration.
func (o *Orchestrators) Config() Config {
	return o.conf
}

// NameFor returns the workflow started for a PENDING record of op.
func NameFor(op record.Operation) string {
	if op == record.OperationDownload {
		return NameDownload
	}
	return NameDelete
}

// decodeInput decodes a record input and checks its operation and status.
// An empty want matches any value.
func decodeInput(data []byte, op record.Operation, status record.Status) (record.Record, error) {
	rec, err := record.Decode(data)
	if err != nil {
		return record.Record{}, &InvalidInputError{Detail: err.Error()}
	}
	if op != "" && rec.Operation != op {
		return rec, &InvalidInputError{Detail: fmt.Sprintf("expected operation %s, got %s", op, rec.Operation)}
	}
	if status != "" && rec.Status != status {
		return rec, &InvalidInputError{Detail: fmt.Sprintf("expected status %s, got %s", status, rec.Status)}
	}
	return rec, nil
}

// setStatus writes the next version of cur under the status-write policy.
func (o *Orchestrators) setStatus(c *durable.Context, cur record.Record, status record.Status, reason string) (record.Record, error) {
	var written record.Record
	err := c.CallActivityWithRetry(activity.NameSetStatus, o.conf.StatusWrite, activity.SetStatusInput{
		Record: cur,
		Status: status,
		Reason: reason,
	}, &written)
	if err != nil {
		return cur, activityFailure(err)
	}
	if written.Status != status {
		return written, &TransitionError{Current: written, To: status}
	}
	return written, nil
}

// fail records a classified failure on the processing record. If the
// FAILED write itself fails, the instance fails with a fault instead.
func (o *Orchestrators) fail(c *durable.Context, name string, cur record.Record, cause error) (any, error) {
	failure := Classify(cause)
	c.Logger().Warn("request failed",
		"key", cur.Key().String(),
		"reason", failure.Reason(),
	)
	if _, err := o.setStatus(c, cur, record.StatusFailed, failure.Reason()); err != nil {
		if durable.IsSuspended(err) {
			return nil, err
		}
		return nil, &UnhandledError{Cause: fmt.Errorf("write FAILED after %q: %w", failure.Reason(), err)}
	}
	return o.finish(c, name, outcome.Failed(failure)), nil
}

func (o *Orchestrators) finish(c *durable.Context, name string, res outcome.Result) outcome.Result {
	if o.hook != nil && !c.IsReplaying() {
		o.hook(name, res)
	}
	return res
}

// sleep parks the workflow for d using a durable timer.
func sleep(c *durable.Context, d time.Duration) error {
	now, err := c.CurrentTime()
	if err != nil {
		return err
	}
	t, err := c.CreateTimer(now.Add(d))
	if err != nil {
		return err
	}
	return t.Await()
}

// describe renders an error for use as failure context.
func describe(err error) string {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return fmt.Sprintf("%s failed: %s", ae.Name, ae.Reason)
	}
	return err.Error()
}
