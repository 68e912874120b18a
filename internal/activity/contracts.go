// Package activity implements the side-effecting units of work the
// orchestrators call through the durable runtime, and the contracts of the
// external collaborators they delegate to.
//
// Activities are the only place I/O happens during an orchestration. Each
// one must be safe to run again: a crash between running an activity and
// recording its result re-runs it on resume.
package activity

import (
	"context"
	"errors"

	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/store"
)

// ErrNotFound is returned by collaborators when the identity is unknown.
var ErrNotFound = errors.New("not found")

// Profile is the directory entry of an identity.
type Profile struct {
	Identity       string `json:"identity"`
	Email          string `json:"email,omitempty"`
	EmailValidated bool   `json:"emailValidated"`
	EmailEnabled   bool   `json:"emailEnabled"`
	Name           string `json:"name,omitempty"`
}

// CanReceiveEmail reports whether the profile has a validated, enabled address.
func (p Profile) CanReceiveEmail() bool {
	return p.Email != "" && p.EmailValidated && p.EmailEnabled
}

// ProfileDirectory resolves identities to profiles.
// GetProfile returns ErrNotFound for unknown identities.
type ProfileDirectory interface {
	GetProfile(ctx context.Context, identity string) (Profile, error)
}

// LockResponse is the raw answer of the session-lock service.
type LockResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// SessionLocker locks and unlocks every session of an identity.
// A transport failure is returned as an error; any HTTP answer, including
// 4xx and 5xx, is returned as a LockResponse.
type SessionLocker interface {
	Lock(ctx context.Context, identity string) (LockResponse, error)
	Unlock(ctx context.Context, identity string) (LockResponse, error)
}

// ArchiveBundle locates an export and the one-time password protecting it.
type ArchiveBundle struct {
	BlobName string `json:"blobName"`
	Password string `json:"password"`
}

// Extractor exports all data held for an identity.
type Extractor interface {
	Extract(ctx context.Context, identity string) (ArchiveBundle, error)
}

// Deleter erases all data held for an identity. Implementations back up to
// backupDestination before purging and treat missing sub-records as soft.
type Deleter interface {
	Delete(ctx context.Context, identity, backupDestination string) error
}

// TemplateParams are passed to the export-ready notification.
type TemplateParams struct {
	BlobName string `json:"blobName"`
	Password string `json:"password"`
}

// Notifier sends the export-ready notification and returns the HTTP status.
type Notifier interface {
	Notify(ctx context.Context, identity string, params TemplateParams) (int, error)
}

// Mailer sends the deletion confirmation email.
type Mailer interface {
	SendDeleteConfirmation(ctx context.Context, profile Profile) error
}

// Feed outcomes.
const (
	FeedSuccess = "SUCCESS"
	FeedFailure = "FAILURE"
)

// FeedUpdater informs the subscription feed that a request completed.
// It returns FeedSuccess or FeedFailure; an error means the call itself
// could not be made.
type FeedUpdater interface {
	Update(ctx context.Context, identity string, op record.Operation, serviceID string) (string, error)
}

// RecordStore is the part of the state store activities use.
type RecordStore interface {
	Latest(ctx context.Context, key record.Key) (record.Record, error)
	AppendIf(ctx context.Context, rec record.Record, check func(cur record.Record, found bool) error) (record.Record, error)
	LookupFailed(ctx context.Context, key record.Key) (store.FailedRequest, error)
}

// InstanceReader reads orchestration instance state.
type InstanceReader interface {
	GetStatus(ctx context.Context, id string) (durable.Instance, error)
}

var (
	_ RecordStore    = (*store.Store)(nil)
	_ InstanceReader = (*durable.Runtime)(nil)
)
