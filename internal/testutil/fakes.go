package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/record"
)

// Fakes implements every external collaborator in memory.
//
// Scripted answers are consumed in order; once a script runs out the
// default answer applies: 200 for lock and unlock, 201 for notify, SUCCESS
// for the feed and no error elsewhere.
type Fakes struct {
	mu sync.Mutex

	profiles map[string]activity.Profile

	lock    []activity.LockResponse
	unlock  []activity.LockResponse
	deletes []error
	extract []error
	notify  []int
	mail    []error
	feed    []string

	blobs     *Sequence
	passwords *Sequence

	deleted []string
	mailed  []string

	onLock func(identity string)
}

var (
	_ activity.ProfileDirectory = (*Fakes)(nil)
	_ activity.SessionLocker    = (*Fakes)(nil)
	_ activity.Extractor        = (*Fakes)(nil)
	_ activity.Deleter          = (*Fakes)(nil)
	_ activity.Notifier         = (*Fakes)(nil)
	_ activity.Mailer           = (*Fakes)(nil)
	_ activity.FeedUpdater      = (*Fakes)(nil)
)

// NewFakes returns collaborators that know no profiles and always succeed.
func NewFakes() *Fakes {
	return &Fakes{
		profiles:  make(map[string]activity.Profile),
		blobs:     NewSequence("blob"),
		passwords: NewSequence("pw"),
	}
}

// AddProfile registers a profile. With email set the address is validated
// and enabled.
func (f *Fakes) AddProfile(identity, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[identity] = activity.Profile{
		Identity:       identity,
		Email:          email,
		EmailValidated: email != "",
		EmailEnabled:   email != "",
	}
}

// ScriptLock queues answers for LOCK.
func (f *Fakes) ScriptLock(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range statuses {
		f.lock = append(f.lock, activity.LockResponse{Status: s})
	}
}

// OnLock runs fn on every session lock, after the response is chosen and
// before it is returned.
func (f *Fakes) OnLock(fn func(identity string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLock = fn
}

// ScriptUnlock queues answers for UNLOCK.
func (f *Fakes) ScriptUnlock(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range statuses {
		f.unlock = append(f.unlock, activity.LockResponse{Status: s})
	}
}

// ScriptDelete queues results for Delete.
func (f *Fakes) ScriptDelete(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, errs...)
}

// ScriptExtract queues results for Extract.
func (f *Fakes) ScriptExtract(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extract = append(f.extract, errs...)
}

// ScriptNotify queues statuses for Notify.
func (f *Fakes) ScriptNotify(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, statuses...)
}

// ScriptMail queues results for SendDeleteConfirmation.
func (f *Fakes) ScriptMail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mail = append(f.mail, errs...)
}

// ScriptFeed queues outcomes for the feed.
func (f *Fakes) ScriptFeed(outcomes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed = append(f.feed, outcomes...)
}

// Deleted returns the identities whose data was deleted.
func (f *Fakes) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.deleted...)
}

// Mailed returns the addresses a confirmation was sent to.
func (f *Fakes) Mailed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.mailed...)
}

func pop[T any](queue *[]T, def T) T {
	if len(*queue) == 0 {
		return def
	}
	v := (*queue)[0]
	*queue = (*queue)[1:]
	return v
}

// GetProfile implements activity.ProfileDirectory.
func (f *Fakes) GetProfile(_ context.Context, identity string) (activity.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[identity]
	if !ok {
		return activity.Profile{}, activity.ErrNotFound
	}
	return p, nil
}

// Lock implements activity.SessionLocker.
func (f *Fakes) Lock(_ context.Context, identity string) (activity.LockResponse, error) {
	f.mu.Lock()
	res, hook := pop(&f.lock, activity.LockResponse{Status: 200}), f.onLock
	f.mu.Unlock()
	if hook != nil {
		hook(identity)
	}
	return res, nil
}

// Unlock implements activity.SessionLocker.
func (f *Fakes) Unlock(context.Context, string) (activity.LockResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.unlock, activity.LockResponse{Status: 200}), nil
}

// Delete implements activity.Deleter.
func (f *Fakes) Delete(_ context.Context, identity, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.deletes, nil); err != nil {
		return err
	}
	f.deleted = append(f.deleted, identity)
	return nil
}

// Extract implements activity.Extractor.
func (f *Fakes) Extract(_ context.Context, identity string) (activity.ArchiveBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.extract, nil); err != nil {
		return activity.ArchiveBundle{}, err
	}
	return activity.ArchiveBundle{
		BlobName: identity + "/" + f.blobs.Next() + ".zip",
		Password: f.passwords.Next(),
	}, nil
}

// Notify implements activity.Notifier.
func (f *Fakes) Notify(context.Context, string, activity.TemplateParams) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.notify, 201), nil
}

// SendDeleteConfirmation implements activity.Mailer.
func (f *Fakes) SendDeleteConfirmation(_ context.Context, p activity.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.mail, nil); err != nil {
		return err
	}
	f.mailed = append(f.mailed, p.Email)
	return nil
}

// Update implements activity.FeedUpdater.
func (f *Fakes) Update(context.Context, string, record.Operation, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.feed, activity.FeedSuccess), nil
}

// ErrInjected is a convenient scripted failure.
var ErrInjected = errors.New("injected failure")
