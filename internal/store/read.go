package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dsrflow/internal/record"
)

const recordColumns = `seq, operation, identity, version, status, reason, created_at, updated_at`

// Latest returns the current (highest version) record for key.
// Returns ErrNotFound if no version exists.
func (s *Store) Latest(ctx context.Context, key record.Key) (record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM processing_records
		WHERE operation = ? AND identity = ?
		ORDER BY version DESC
		LIMIT 1
	`, string(key.Operation), key.Identity)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("latest %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("latest %s: %w", key, err)
	}
	return rec, nil
}

// History returns every version of key, oldest first.
// Returns an empty slice (not nil) if the key has never been written.
func (s *Store) History(ctx context.Context, key record.Key) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM processing_records
		WHERE operation = ? AND identity = ?
		ORDER BY version ASC
	`, string(key.Operation), key.Identity)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return collectRecords(rows)
}

// Changes returns up to limit records appended after position afterSeq, in
// append order. This is the change feed consumed by the dispatcher follower.
func (s *Store) Changes(ctx context.Context, afterSeq int64, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM processing_records
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	return collectRecords(rows)
}

// CurrentByStatus returns the current version of every key whose current
// status is status, in append order.
func (s *Store) CurrentByStatus(ctx context.Context, status record.Status) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM current_records
		WHERE status = ?
		ORDER BY seq ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query current %s: %w", status, err)
	}
	return collectRecords(rows)
}

// CurrentFailed returns every key whose current record is FAILED.
func (s *Store) CurrentFailed(ctx context.Context) ([]record.Record, error) {
	return s.CurrentByStatus(ctx, record.StatusFailed)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record.Record, error) {
	var (
		rec                  record.Record
		op, status           string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.Seq, &op, &rec.Identity, &rec.Version, &status, &rec.Reason, &createdAt, &updatedAt); err != nil {
		return record.Record{}, err
	}
	rec.Operation = record.Operation(op)
	rec.Status = record.Status(status)
	rec.CreatedAt = fromUnixNano(createdAt)
	rec.UpdatedAt = fromUnixNano(updatedAt)
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]record.Record, error) {
	defer rows.Close()

	records := []record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
