package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/retry"
	"github.com/roach88/dsrflow/internal/store"
)

// Activity names as registered on the runtime.
const (
	NameGetProfile           = "GetProfile"
	NameLedgerCheck          = "LedgerCheck"
	NameSetStatus            = "SetStatus"
	NameSessionLock          = "SessionLock"
	NamePendingDownloadCheck = "PendingDownloadCheck"
	NameDelete               = "Delete"
	NameExtract              = "Extract"
	NameNotify               = "Notify"
	NameSendEmail            = "SendEmail"
	NameFeedUpdate           = "FeedUpdate"
	NameCheckLastStatus      = "CheckLastStatus"
	NameFindFailureReason    = "FindFailureReason"
)

// Session-lock actions.
const (
	ActionLock   = "LOCK"
	ActionUnlock = "UNLOCK"
)

// IdentityInput addresses an identity.
type IdentityInput struct {
	Identity string `json:"identity"`
}

// KeyInput addresses a request.
type KeyInput struct {
	Operation record.Operation `json:"operation"`
	Identity  string           `json:"identity"`
}

// Key returns the record key.
func (k KeyInput) Key() record.Key {
	return record.Key{Operation: k.Operation, Identity: k.Identity}
}

// ProfileResult is the output of GetProfile.
type ProfileResult struct {
	Found   bool    `json:"found"`
	Profile Profile `json:"profile"`
}

// LedgerResult is the output of LedgerCheck.
type LedgerResult struct {
	Present bool   `json:"present"`
	Reason  string `json:"reason,omitempty"`
}

// SetStatusInput moves Record to Status.
type SetStatusInput struct {
	Record record.Record `json:"record"`
	Status record.Status `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// LockInput is the input of SessionLock.
type LockInput struct {
	Identity string `json:"identity"`
	Action   string `json:"action"`
}

// DownloadState is the output of PendingDownloadCheck. Status is empty when
// no DOWNLOAD record exists.
type DownloadState struct {
	Status record.Status `json:"status,omitempty"`
}

// Waiting reports whether a download is still in flight.
func (d DownloadState) Waiting() bool {
	return d.Status.InFlight()
}

// DeleteInput is the input of Delete.
type DeleteInput struct {
	Identity          string `json:"identity"`
	BackupDestination string `json:"backupDestination"`
}

// NotifyInput is the input of Notify.
type NotifyInput struct {
	Identity string         `json:"identity"`
	Params   TemplateParams `json:"params"`
}

// NotifyResult is the output of Notify.
type NotifyResult struct {
	Status int `json:"status"`
}

// FeedInput is the input of FeedUpdate.
type FeedInput struct {
	Identity  string           `json:"identity"`
	Operation record.Operation `json:"operation"`
	ServiceID string           `json:"serviceId,omitempty"`
}

// FeedResult is the output of FeedUpdate.
type FeedResult struct {
	Outcome string `json:"outcome"`
}

// LastStatus is the output of CheckLastStatus.
type LastStatus struct {
	Found  bool          `json:"found"`
	Status record.Status `json:"status,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// ReasonResult is the output of FindFailureReason.
type ReasonResult struct {
	Reason string `json:"reason"`
}

// Activities binds the activity functions to their collaborators.
type Activities struct {
	Store     RecordStore
	Instances InstanceReader
	Profiles  ProfileDirectory
	Locker    SessionLocker
	Extractor Extractor
	Deleter   Deleter
	Notifier  Notifier
	Mailer    Mailer
	Feed      FeedUpdater
	Logger    *slog.Logger
}

// Register registers every activity on rt.
func (a *Activities) Register(rt *durable.Runtime) {
	durable.RegisterActivity(rt, NameGetProfile, a.GetProfile)
	durable.RegisterActivity(rt, NameLedgerCheck, a.LedgerCheck)
	durable.RegisterActivity(rt, NameSetStatus, a.SetStatus)
	durable.RegisterActivity(rt, NameSessionLock, a.SessionLock)
	durable.RegisterActivity(rt, NamePendingDownloadCheck, a.PendingDownloadCheck)
	durable.RegisterActivity(rt, NameDelete, a.Delete)
	durable.RegisterActivity(rt, NameExtract, a.Extract)
	durable.RegisterActivity(rt, NameNotify, a.Notify)
	durable.RegisterActivity(rt, NameSendEmail, a.SendEmail)
	durable.RegisterActivity(rt, NameFeedUpdate, a.FeedUpdate)
	durable.RegisterActivity(rt, NameCheckLastStatus, a.CheckLastStatus)
	durable.RegisterActivity(rt, NameFindFailureReason, a.FindFailureReason)
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// GetProfile resolves the profile of an identity. An unknown identity is a
// result, not an error.
func (a *Activities) GetProfile(ctx context.Context, in IdentityInput) (ProfileResult, error) {
	p, err := a.Profiles.GetProfile(ctx, in.Identity)
	if errors.Is(err, ErrNotFound) {
		return ProfileResult{Found: false}, nil
	}
	if err != nil {
		return ProfileResult{}, fmt.Errorf("get profile: %w", err)
	}
	return ProfileResult{Found: true, Profile: p}, nil
}

// LedgerCheck reports whether a failed request is open for the key.
func (a *Activities) LedgerCheck(ctx context.Context, in KeyInput) (LedgerResult, error) {
	entry, err := a.Store.LookupFailed(ctx, in.Key())
	if errors.Is(err, store.ErrNotFound) {
		return LedgerResult{Present: false}, nil
	}
	if err != nil {
		return LedgerResult{}, fmt.Errorf("ledger check: %w", err)
	}
	return LedgerResult{Present: true, Reason: entry.Reason}, nil
}

// SetStatus appends the next version of the record with the new status.
//
// The current version is read and checked in the same transaction as the
// write. A move record.CanTransition does not allow is refused: nothing is
// written and the current version is returned, so the caller sees a status
// other than the one it asked for. A retry after a lost response finds its
// own write as the current version and returns it instead of writing again.
func (a *Activities) SetStatus(ctx context.Context, in SetStatusInput) (record.Record, error) {
	key := in.Record.Key()
	var current record.Record
	written, err := a.Store.AppendIf(ctx, in.Record.Next(in.Status, in.Reason), func(cur record.Record, found bool) error {
		current = cur
		if found && cur.Version > in.Record.Version && cur.Status == in.Status && cur.Reason == in.Reason {
			return errAlreadyWritten
		}
		if !record.CanTransition(key.Operation, cur.Status, in.Status) {
			return errTransitionRefused
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyWritten):
		return current, nil
	case errors.Is(err, errTransitionRefused):
		a.logger().Warn("status transition refused",
			"key", key.String(),
			"from", current.Status,
			"to", in.Status,
			"version", current.Version,
		)
		return current, nil
	case err != nil:
		return record.Record{}, fmt.Errorf("set status %s: %w", in.Status, err)
	}
	a.logger().Info("status written",
		"key", key.String(),
		"status", written.Status,
		"version", written.Version,
	)
	return written, nil
}

var (
	errAlreadyWritten    = errors.New("status already written")
	errTransitionRefused = errors.New("status transition refused")
)

// SessionLock locks or unlocks the sessions of an identity.
// 2xx succeeds; 4xx and other non-2xx answers fail permanently; 5xx and
// transport failures are transient so the runtime retries them.
func (a *Activities) SessionLock(ctx context.Context, in LockInput) (LockResponse, error) {
	var (
		resp LockResponse
		err  error
	)
	switch in.Action {
	case ActionLock:
		resp, err = a.Locker.Lock(ctx, in.Identity)
	case ActionUnlock:
		resp, err = a.Locker.Unlock(ctx, in.Identity)
	default:
		return LockResponse{}, retry.Permanent(fmt.Errorf("unknown session action %q", in.Action))
	}
	if err != nil {
		return LockResponse{}, fmt.Errorf("%s: %w", in.Action, err)
	}
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	err = fmt.Errorf("%s returned %d", in.Action, resp.Status)
	if resp.Body != "" {
		err = fmt.Errorf("%w: %s", err, resp.Body)
	}
	if resp.Status >= 500 {
		return resp, err
	}
	return resp, retry.Permanent(err)
}

// PendingDownloadCheck reports the current DOWNLOAD status of an identity.
func (a *Activities) PendingDownloadCheck(ctx context.Context, in IdentityInput) (DownloadState, error) {
	latest, err := a.Store.Latest(ctx, record.Key{Operation: record.OperationDownload, Identity: in.Identity})
	if errors.Is(err, store.ErrNotFound) {
		return DownloadState{}, nil
	}
	if err != nil {
		return DownloadState{}, fmt.Errorf("pending download check: %w", err)
	}
	return DownloadState{Status: latest.Status}, nil
}

// Delete erases the identity's data after backing it up.
func (a *Activities) Delete(ctx context.Context, in DeleteInput) (struct{}, error) {
	if err := a.Deleter.Delete(ctx, in.Identity, in.BackupDestination); err != nil {
		return struct{}{}, fmt.Errorf("delete: %w", err)
	}
	return struct{}{}, nil
}

// Extract exports the identity's data.
func (a *Activities) Extract(ctx context.Context, in IdentityInput) (ArchiveBundle, error) {
	bundle, err := a.Extractor.Extract(ctx, in.Identity)
	if err != nil {
		return ArchiveBundle{}, fmt.Errorf("extract: %w", err)
	}
	if bundle.BlobName == "" {
		return ArchiveBundle{}, retry.Permanent(errors.New("extract: empty blob name"))
	}
	return bundle, nil
}

// Notify sends the export-ready notification.
// 201 succeeds; 5xx and transport failures are transient; any other
// status fails permanently.
func (a *Activities) Notify(ctx context.Context, in NotifyInput) (NotifyResult, error) {
	status, err := a.Notifier.Notify(ctx, in.Identity, in.Params)
	if err != nil {
		return NotifyResult{}, fmt.Errorf("notify: %w", err)
	}
	switch {
	case status == 201:
		return NotifyResult{Status: status}, nil
	case status >= 500:
		return NotifyResult{Status: status}, fmt.Errorf("notify returned %d", status)
	default:
		return NotifyResult{Status: status}, retry.Permanent(fmt.Errorf("notify returned %d", status))
	}
}

// SendEmail sends the deletion confirmation.
func (a *Activities) SendEmail(ctx context.Context, p Profile) (struct{}, error) {
	if !p.CanReceiveEmail() {
		return struct{}{}, retry.Permanent(errors.New("send email: profile has no deliverable address"))
	}
	if err := a.Mailer.SendDeleteConfirmation(ctx, p); err != nil {
		return struct{}{}, fmt.Errorf("send email: %w", err)
	}
	return struct{}{}, nil
}

// FeedUpdate informs the subscription feed. A FAILURE answer is returned
// as a result for the orchestrator to act on.
func (a *Activities) FeedUpdate(ctx context.Context, in FeedInput) (FeedResult, error) {
	res, err := a.Feed.Update(ctx, in.Identity, in.Operation, in.ServiceID)
	if err != nil {
		return FeedResult{}, fmt.Errorf("feed update: %w", err)
	}
	if res != FeedSuccess && res != FeedFailure {
		return FeedResult{}, retry.Permanent(fmt.Errorf("feed update: unexpected outcome %q", res))
	}
	return FeedResult{Outcome: res}, nil
}

// CheckLastStatus reads the authoritative current record for a key.
func (a *Activities) CheckLastStatus(ctx context.Context, in KeyInput) (LastStatus, error) {
	latest, err := a.Store.Latest(ctx, in.Key())
	if errors.Is(err, store.ErrNotFound) {
		return LastStatus{Found: false}, nil
	}
	if err != nil {
		return LastStatus{}, fmt.Errorf("check last status: %w", err)
	}
	return LastStatus{Found: true, Status: latest.Status, Reason: latest.Reason}, nil
}

// FindFailureReason extracts the failure reason from the output of the
// request instance for a key, falling back to outcome.NoReasonFound.
func (a *Activities) FindFailureReason(ctx context.Context, in KeyInput) (ReasonResult, error) {
	id := record.InstanceID(in.Operation, in.Identity)
	inst, err := a.Instances.GetStatus(ctx, id)
	if errors.Is(err, durable.ErrInstanceNotFound) {
		return ReasonResult{Reason: outcome.NoReasonFound}, nil
	}
	if err != nil {
		return ReasonResult{}, fmt.Errorf("find failure reason: %w", err)
	}
	if reason, ok := outcome.ReasonFromOutput(inst.Output); ok {
		return ReasonResult{Reason: reason}, nil
	}
	return ReasonResult{Reason: outcome.NoReasonFound}, nil
}
