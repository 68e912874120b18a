package orchestrator

import (
	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
)

// Download exports the data of the identity named by a PENDING DOWNLOAD
// record and notifies the owner where to fetch it.
//
// Any other record is skipped without calling an activity.
func (o *Orchestrators) Download(c *durable.Context) (any, error) {
	rec, err := record.Decode(c.Input())
	if err != nil {
		c.Logger().Warn("rejecting download input", "error", err)
		return o.finish(c, NameDownload, outcome.Failed(Classify(&InvalidInputError{Detail: err.Error()}))), nil
	}
	if rec.Operation != record.OperationDownload || rec.Status != record.StatusPending {
		c.Logger().Info("skipping download", "key", rec.Key().String(), "status", rec.Status)
		return o.finish(c, NameDownload, outcome.Skipped()), nil
	}

	cur, err := o.runDownload(c, rec)
	if durable.IsSuspended(err) {
		return nil, err
	}
	if err != nil {
		return o.fail(c, NameDownload, cur, err)
	}
	return o.finish(c, NameDownload, outcome.Success(outcome.TypeCompleted)), nil
}

func (o *Orchestrators) runDownload(c *durable.Context, rec record.Record) (cur record.Record, err error) {
	cur = rec
	defer recoverUnhandled(&err)

	if cur, err = o.setStatus(c, rec, record.StatusWIP, ""); err != nil {
		return cur, err
	}

	// The bundle password is issued once, so extraction is never repeated.
	var bundle activity.ArchiveBundle
	if err := c.CallActivity(activity.NameExtract, activity.IdentityInput{Identity: rec.Identity}, &bundle); err != nil {
		return cur, activityFailure(err)
	}

	if err := c.CallActivityWithRetry(activity.NameNotify, o.conf.Activity, activity.NotifyInput{
		Identity: rec.Identity,
		Params: activity.TemplateParams{
			BlobName: bundle.BlobName,
			Password: bundle.Password,
		},
	}, nil); err != nil {
		return cur, activityFailure(err)
	}

	if cur, err = o.setStatus(c, cur, record.StatusClosed, ""); err != nil {
		return cur, err
	}
	c.Logger().Info("download completed", "key", rec.Key().String(), "blob", bundle.BlobName)
	return cur, nil
}
