package orchestrator

import (
	"errors"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
)

var errProfileNotFound = errors.New("profile not found")

// Delete erases the data of the identity named by a PENDING DELETE record.
//
// The request waits out a grace period during which an ABORT event closes it
// without touching any data. Otherwise sessions are locked, any in-flight
// download of the same identity is waited for, the data is deleted and the
// sessions unlocked. The owner is emailed and the subscription feed told.
func (o *Orchestrators) Delete(c *durable.Context) (any, error) {
	rec, err := decodeInput(c.Input(), record.OperationDelete, record.StatusPending)
	if err != nil {
		c.Logger().Warn("rejecting delete input", "error", err)
		return o.finish(c, NameDelete, outcome.Failed(Classify(err))), nil
	}

	res, cur, err := o.runDelete(c, rec)
	if durable.IsSuspended(err) {
		return nil, err
	}
	if err != nil {
		return o.fail(c, NameDelete, cur, err)
	}
	return o.finish(c, NameDelete, res), nil
}

// runDelete returns the record version last written so failures are
// appended after it.
func (o *Orchestrators) runDelete(c *durable.Context, rec record.Record) (_ outcome.Result, cur record.Record, err error) {
	cur = rec
	defer recoverUnhandled(&err)

	var profile activity.ProfileResult
	if err := c.CallActivityWithRetry(activity.NameGetProfile, o.conf.Activity, activity.IdentityInput{Identity: rec.Identity}, &profile); err != nil {
		return outcome.Result{}, cur, activityFailure(err)
	}
	if !profile.Found {
		return outcome.Result{}, cur, &ActivityError{Name: activity.NameGetProfile, Reason: errProfileNotFound.Error()}
	}

	var ledger activity.LedgerResult
	if err := c.CallActivityWithRetry(activity.NameLedgerCheck, o.conf.Activity, activity.KeyInput{
		Operation: rec.Operation,
		Identity:  rec.Identity,
	}, &ledger); err != nil {
		return outcome.Result{}, cur, activityFailure(err)
	}
	// A request that failed before is retried without delay and silently.
	suppressEmail := ledger.Present

	grace := o.conf.GracePeriod
	if ledger.Present || o.instant[norm.NFC.String(rec.Identity)] {
		grace = 0
	}

	aborted, err := o.graceRace(c, grace)
	if err != nil {
		return outcome.Result{}, cur, err
	}
	if aborted {
		c.Logger().Info("delete aborted during grace period", "key", rec.Key().String())
		if cur, err = o.setStatus(c, cur, record.StatusClosed, ""); err != nil {
			return outcome.Result{}, cur, err
		}
		return outcome.Success(outcome.TypeAborted), cur, nil
	}

	if err := c.CallActivityWithRetry(activity.NameSessionLock, o.conf.Activity, activity.LockInput{
		Identity: rec.Identity,
		Action:   activity.ActionLock,
	}, nil); err != nil {
		return outcome.Result{}, cur, activityFailure(err)
	}

	if cur, err = o.setStatus(c, cur, record.StatusWIP, ""); err != nil {
		var refused *TransitionError
		if errors.As(err, &refused) && refused.Current.Status == record.StatusAborted {
			return o.abortLocked(c, cur)
		}
		return outcome.Result{}, cur, err
	}

	if err := o.awaitDownload(c, rec.Identity); err != nil {
		return outcome.Result{}, cur, err
	}

	deleteErr := c.CallActivityWithRetry(activity.NameDelete, o.conf.Activity, activity.DeleteInput{
		Identity:          rec.Identity,
		BackupDestination: o.conf.BackupDestination,
	}, nil)
	if durable.IsSuspended(deleteErr) {
		return outcome.Result{}, cur, deleteErr
	}

	// Unlock runs whatever the deletion did, and exactly once.
	unlockErr := c.CallActivity(activity.NameSessionLock, activity.LockInput{
		Identity: rec.Identity,
		Action:   activity.ActionUnlock,
	}, nil)
	if durable.IsSuspended(unlockErr) {
		return outcome.Result{}, cur, unlockErr
	}

	switch {
	case deleteErr != nil:
		failure := activityFailure(deleteErr)
		if ae, ok := failure.(*ActivityError); ok && unlockErr != nil {
			ae.Context = "unlock: " + describe(activityFailure(unlockErr))
		}
		return outcome.Result{}, cur, failure
	case unlockErr != nil:
		return outcome.Result{}, cur, activityFailure(unlockErr)
	}

	if cur, err = o.setStatus(c, cur, record.StatusClosed, ""); err != nil {
		return outcome.Result{}, cur, err
	}

	if profile.Profile.CanReceiveEmail() && !suppressEmail {
		if err := c.CallActivity(activity.NameSendEmail, profile.Profile, nil); err != nil {
			if durable.IsSuspended(err) {
				return outcome.Result{}, cur, err
			}
			c.Logger().Warn("delete confirmation not sent", "key", rec.Key().String(), "error", err)
		}
	}

	var feed activity.FeedResult
	if err := c.CallActivityWithRetry(activity.NameFeedUpdate, o.conf.Activity, activity.FeedInput{
		Identity:  rec.Identity,
		Operation: rec.Operation,
		ServiceID: o.conf.ServiceID,
	}, &feed); err != nil {
		return outcome.Result{}, cur, activityFailure(err)
	}
	if feed.Outcome == activity.FeedFailure {
		return outcome.Result{}, cur, &ActivityError{Name: activity.NameFeedUpdate, Reason: "feed update returned FAILURE"}
	}

	c.Logger().Info("delete completed", "key", rec.Key().String())
	return outcome.Success(outcome.TypeCompleted), cur, nil
}

// graceRace waits for the grace period to pass or an ABORT event to arrive,
// whichever comes first. A zero grace still creates a timer, due at once.
func (o *Orchestrators) graceRace(c *durable.Context, grace time.Duration) (aborted bool, err error) {
	now, err := c.CurrentTime()
	if err != nil {
		return false, err
	}
	timer, err := c.CreateTimer(now.Add(grace))
	if err != nil {
		return false, err
	}
	abort := c.WaitForEvent(EventAbort)

	winner, err := c.WhenAny(timer, abort)
	if err != nil {
		return false, err
	}
	if winner == 0 {
		return false, nil
	}
	if err := timer.Cancel(); err != nil {
		return false, err
	}
	return true, nil
}

// awaitDownload polls until no DOWNLOAD of identity is in flight.
func (o *Orchestrators) awaitDownload(c *durable.Context, identity string) error {
	for {
		var state activity.DownloadState
		if err := c.CallActivityWithRetry(activity.NamePendingDownloadCheck, o.conf.Activity, activity.IdentityInput{Identity: identity}, &state); err != nil {
			return activityFailure(err)
		}
		if !state.Waiting() {
			return nil
		}
		c.Logger().Info("waiting for pending download", "identity", identity, "status", state.Status)
		if err := sleep(c, o.conf.DependencyPollInterval); err != nil {
			return err
		}
	}
}

// abortLocked closes a request whose abort was accepted after the grace
// period ended but before WIP was written. The session lock is already
// held, so it is released before the record closes.
func (o *Orchestrators) abortLocked(c *durable.Context, cur record.Record) (outcome.Result, record.Record, error) {
	c.Logger().Info("delete aborted before work started", "key", cur.Key().String(), "version", cur.Version)
	if err := c.CallActivity(activity.NameSessionLock, activity.LockInput{
		Identity: cur.Identity,
		Action:   activity.ActionUnlock,
	}, nil); err != nil {
		return outcome.Result{}, cur, activityFailure(err)
	}
	cur, err := o.setStatus(c, cur, record.StatusClosed, "")
	if err != nil {
		return outcome.Result{}, cur, err
	}
	return outcome.Success(outcome.TypeAborted), cur, nil
}
