package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dsrflow/internal/record"
)

// FailedRequest is an open entry in the failed-request ledger.
type FailedRequest struct {
	Operation record.Operation `json:"operation"`
	Identity  string           `json:"identity"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Key returns the composite key of the entry.
func (f FailedRequest) Key() record.Key {
	return record.Key{Operation: f.Operation, Identity: f.Identity}
}

// InsertFailed opens a ledger entry for key.
// Uses ON CONFLICT DO NOTHING: an existing entry counts as already applied
// and keeps its original reason and timestamp.
// Returns whether a new entry was created.
func (s *Store) InsertFailed(ctx context.Context, key record.Key, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_requests
		(operation, identity, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(operation, identity) DO NOTHING
	`, string(key.Operation), key.Identity, reason, toUnixNano(s.now()))
	if err != nil {
		return false, fmt.Errorf("insert failed request %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert failed request %s: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// DeleteFailed closes the ledger entry for key.
// A missing entry counts as already applied. Returns whether an entry was
// removed.
func (s *Store) DeleteFailed(ctx context.Context, key record.Key) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM failed_requests
		WHERE operation = ? AND identity = ?
	`, string(key.Operation), key.Identity)
	if err != nil {
		return false, fmt.Errorf("delete failed request %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete failed request %s: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// LookupFailed returns the open ledger entry for key.
// Returns ErrNotFound if none is open.
func (s *Store) LookupFailed(ctx context.Context, key record.Key) (FailedRequest, error) {
	var (
		entry     FailedRequest
		op        string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT operation, identity, reason, created_at
		FROM failed_requests
		WHERE operation = ? AND identity = ?
	`, string(key.Operation), key.Identity).Scan(&op, &entry.Identity, &entry.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedRequest{}, fmt.Errorf("lookup failed request %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return FailedRequest{}, fmt.Errorf("lookup failed request %s: %w", key, err)
	}
	entry.Operation = record.Operation(op)
	entry.CreatedAt = fromUnixNano(createdAt)
	return entry, nil
}

// ListFailed returns every open ledger entry ordered by key.
// Returns an empty slice (not nil) when the ledger is empty.
func (s *Store) ListFailed(ctx context.Context) ([]FailedRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, identity, reason, created_at
		FROM failed_requests
		ORDER BY operation COLLATE BINARY ASC, identity COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed requests: %w", err)
	}
	defer rows.Close()

	entries := []FailedRequest{}
	for rows.Next() {
		var (
			entry     FailedRequest
			op        string
			createdAt int64
		)
		if err := rows.Scan(&op, &entry.Identity, &entry.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan failed request: %w", err)
		}
		entry.Operation = record.Operation(op)
		entry.CreatedAt = fromUnixNano(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed requests: %w", err)
	}
	return entries, nil
}

// UnresolvedFailures derives ledger membership from the record history
// instead of the maintained table: a key is a member when it has a FAILED
// version with no later CLOSED version. It scans every failed version, which
// the ledger exists to avoid.
func (s *Store) UnresolvedFailures(ctx context.Context) ([]record.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.operation, f.identity
		FROM processing_records f
		WHERE f.status = 'FAILED'
		AND NOT EXISTS (
			SELECT 1 FROM processing_records c
			WHERE c.operation = f.operation
			AND c.identity = f.identity
			AND c.status = 'CLOSED'
			AND c.version > f.version
		)
		GROUP BY f.operation, f.identity
		ORDER BY f.operation COLLATE BINARY ASC, f.identity COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unresolved failures: %w", err)
	}
	defer rows.Close()

	keys := []record.Key{}
	for rows.Next() {
		var op, identity string
		if err := rows.Scan(&op, &identity); err != nil {
			return nil, fmt.Errorf("scan unresolved failure: %w", err)
		}
		keys = append(keys, record.Key{Operation: record.Operation(op), Identity: identity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unresolved failures: %w", err)
	}
	return keys, nil
}
