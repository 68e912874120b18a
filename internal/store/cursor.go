package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Cursor returns the saved change-feed position for name, or 0 when the
// cursor has never been saved.
func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT position FROM cursors WHERE name = ?`, name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %q: %w", name, err)
	}
	return pos, nil
}

// SetCursor saves the change-feed position for name.
func (s *Store) SetCursor(ctx context.Context, name string, pos int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, position) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET position = excluded.position
	`, name, pos)
	if err != nil {
		return fmt.Errorf("save cursor %q: %w", name, err)
	}
	return nil
}
