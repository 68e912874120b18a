// Package intake accepts data-subject requests. It writes the PENDING
// version that starts a request and the ABORTED version that cancels a
// deletion still in its grace period; the dispatcher reacts to both.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/store"
)

var (
	// ErrInvalid is returned for a request without a usable identity or
	// operation.
	ErrInvalid = errors.New("invalid request")

	// ErrConflict is returned when the key already has a request in flight.
	ErrConflict = errors.New("request in progress")

	// ErrNotAbortable is returned when there is no deletion waiting out its
	// grace period.
	ErrNotAbortable = errors.New("request not abortable")

	// ErrNotFound is returned for a key that was never requested.
	ErrNotFound = errors.New("request not found")
)

// Store is the part of the state store intake writes through.
type Store interface {
	AppendIf(ctx context.Context, rec record.Record, check func(cur record.Record, found bool) error) (record.Record, error)
	Latest(ctx context.Context, key record.Key) (record.Record, error)
	History(ctx context.Context, key record.Key) ([]record.Record, error)
}

// Service accepts requests.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New returns a Service writing to st.
func New(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Key builds a normalised key.
func Key(op string, identity string) (record.Key, error) {
	parsed, err := record.ParseOperation(strings.ToUpper(strings.TrimSpace(op)))
	if err != nil {
		return record.Key{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	identity = norm.NFC.String(strings.TrimSpace(identity))
	if identity == "" {
		return record.Key{}, fmt.Errorf("%w: identity is required", ErrInvalid)
	}
	return record.Key{Operation: parsed, Identity: identity}, nil
}

// Submit opens a request for key. A key whose current version cannot move to
// PENDING, because a request is still in flight, yields ErrConflict.
func (s *Service) Submit(ctx context.Context, key record.Key) (record.Record, error) {
	rec, err := s.store.AppendIf(ctx, record.Record{
		Operation: key.Operation,
		Identity:  key.Identity,
		Status:    record.StatusPending,
	}, func(cur record.Record, found bool) error {
		if found && !record.CanTransition(key.Operation, cur.Status, record.StatusPending) {
			return fmt.Errorf("%w: %s is %s", ErrConflict, key, cur.Status)
		}
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}
	s.logger.Info("request submitted", "key", key.String(), "version", rec.Version, "seq", rec.Seq)
	return rec, nil
}

// Abort cancels the deletion of identity. Only a PENDING deletion can be
// aborted; the running workflow sees the ABORTED version through the
// dispatcher and closes the request.
func (s *Service) Abort(ctx context.Context, identity string) (record.Record, error) {
	key, err := Key(string(record.OperationDelete), identity)
	if err != nil {
		return record.Record{}, err
	}
	rec, err := s.store.AppendIf(ctx, record.Record{
		Operation: key.Operation,
		Identity:  key.Identity,
		Status:    record.StatusAborted,
	}, func(cur record.Record, found bool) error {
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if !record.CanTransition(key.Operation, cur.Status, record.StatusAborted) {
			return fmt.Errorf("%w: %s is %s", ErrNotAbortable, key, cur.Status)
		}
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}
	s.logger.Info("request aborted", "key", key.String(), "version", rec.Version)
	return rec, nil
}

// Status is the externally visible state of a request. Failure details stay
// internal; only their kind is exposed.
type Status struct {
	Operation  record.Operation `json:"operation"`
	Identity   string           `json:"identity"`
	Status     record.Status    `json:"status"`
	Version    int64            `json:"version"`
	ReasonKind string           `json:"reasonKind,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Lookup returns the status of key.
func (s *Service) Lookup(ctx context.Context, key record.Key) (Status, error) {
	rec, err := s.store.Latest(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Status{}, err
	}
	return StatusOf(rec), nil
}

// History returns every version of key, oldest first.
func (s *Service) History(ctx context.Context, key record.Key) ([]Status, error) {
	records, err := s.store.History(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := make([]Status, len(records))
	for i, rec := range records {
		out[i] = StatusOf(rec)
	}
	return out, nil
}

// StatusOf converts a record.
func StatusOf(rec record.Record) Status {
	return Status{
		Operation:  rec.Operation,
		Identity:   rec.Identity,
		Status:     rec.Status,
		Version:    rec.Version,
		ReasonKind: ReasonKind(rec.Reason),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

// ReasonKind returns the leading kind of a composed failure reason, such as
// "ActivityFailure" for "ActivityFailure(Delete)|...". A reason without that
// shape yields "Other"; an empty one yields "".
func ReasonKind(reason string) string {
	if reason == "" {
		return ""
	}
	kind, _, ok := strings.Cut(reason, "(")
	if !ok || kind == "" || strings.ContainsAny(kind, " |") {
		return "Other"
	}
	return kind
}
