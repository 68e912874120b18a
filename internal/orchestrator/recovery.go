package orchestrator

import (
	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
)

// Recovery reconciles a FAILED record whose request instance may have
// stopped before writing its reason. It rewrites the FAILED status with the
// best reason it can find, so the record is re-emitted on the change feed
// and the failure lands in the ledger.
//
// Recovery calls no side-effecting activity and never retries itself:
// every error ends the instance with an Unhandled failure.
func (o *Orchestrators) Recovery(c *durable.Context) (any, error) {
	rec, err := decodeInput(c.Input(), "", record.StatusFailed)
	if err != nil {
		c.Logger().Warn("rejecting recovery input", "error", err)
		return o.finish(c, NameRecovery, outcome.Failed(Classify(err))), nil
	}

	res, err := o.runRecovery(c, rec)
	if durable.IsSuspended(err) {
		return nil, err
	}
	if err != nil {
		c.Logger().Warn("recovery failed", "key", rec.Key().String(), "error", err)
		return o.finish(c, NameRecovery, outcome.Failed(Classify(&UnhandledError{Cause: err}))), nil
	}
	return o.finish(c, NameRecovery, res), nil
}

func (o *Orchestrators) runRecovery(c *durable.Context, rec record.Record) (outcome.Result, error) {
	key := activity.KeyInput{Operation: rec.Operation, Identity: rec.Identity}

	var last activity.LastStatus
	if err := c.CallActivity(activity.NameCheckLastStatus, key, &last); err != nil {
		return outcome.Result{}, err
	}
	if !last.Found || last.Status != record.StatusFailed {
		c.Logger().Info("nothing to recover", "key", rec.Key().String(), "status", last.Status)
		return outcome.Skipped(), nil
	}

	reason := rec.Reason
	if reason == "" {
		var found activity.ReasonResult
		if err := c.CallActivity(activity.NameFindFailureReason, key, &found); err != nil {
			return outcome.Result{}, err
		}
		reason = found.Reason
	}

	var written record.Record
	if err := c.CallActivity(activity.NameSetStatus, activity.SetStatusInput{
		Record: rec,
		Status: record.StatusFailed,
		Reason: reason,
	}, &written); err != nil {
		return outcome.Result{}, err
	}
	c.Logger().Info("failure recovered", "key", rec.Key().String(), "reason", reason, "version", written.Version)
	return outcome.Success(outcome.TypeCompleted), nil
}
