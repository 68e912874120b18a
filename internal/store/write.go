package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dsrflow/internal/record"
)

// Append writes rec as the next version of its key and returns the stored
// record with Version, Seq, CreatedAt and UpdatedAt assigned.
//
// Version is one more than the current highest version for the key (1 for a
// new key). CreatedAt is copied from the previous version so it always marks
// when the first version was written; UpdatedAt is the write time. Previous
// versions are never modified.
//
// The store does not check record.CanTransition: at most one writer per key is
// guaranteed by the orchestration layer, not by the storage layer.
func (s *Store) Append(ctx context.Context, rec record.Record) (record.Record, error) {
	return s.AppendIf(ctx, rec, nil)
}

// AppendIf appends rec like Append once check accepts the current version of
// its key. found is false for a key that was never written. The read, the
// check and the write share one transaction; an error from check is returned
// unwrapped and nothing is written.
func (s *Store) AppendIf(ctx context.Context, rec record.Record, check func(cur record.Record, found bool) error) (record.Record, error) {
	if rec.Identity == "" {
		return record.Record{}, fmt.Errorf("append record: identity is required")
	}
	if rec.Operation == "" || rec.Status == "" {
		return record.Record{}, fmt.Errorf("append record: operation and status are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.Record{}, fmt.Errorf("append record: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := s.now()
	version := int64(1)
	createdAt := now

	cur, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM processing_records
		WHERE operation = ? AND identity = ?
		ORDER BY version DESC
		LIMIT 1
	`, string(rec.Operation), rec.Identity))
	found := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return record.Record{}, fmt.Errorf("append record: read latest: %w", err)
	default:
		version = cur.Version + 1
		createdAt = cur.CreatedAt
	}

	if check != nil {
		if err := check(cur, found); err != nil {
			return record.Record{}, err
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO processing_records
		(operation, identity, version, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(rec.Operation),
		rec.Identity,
		version,
		string(rec.Status),
		rec.Reason,
		toUnixNano(createdAt),
		toUnixNano(now),
	)
	if err != nil {
		return record.Record{}, fmt.Errorf("append record: insert: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return record.Record{}, fmt.Errorf("append record: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return record.Record{}, fmt.Errorf("append record: commit: %w", err)
	}

	rec.Version = version
	rec.Seq = seq
	rec.CreatedAt = createdAt
	rec.UpdatedAt = now
	return rec, nil
}
