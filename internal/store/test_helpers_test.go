package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/roach88/dsrflow/internal/record"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory, stamped by a test clock.
func createTestStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clk))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// pending creates an unwritten PENDING record for op and identity.
func pending(op record.Operation, identity string) record.Record {
	return record.Record{Operation: op, Identity: identity, Status: record.StatusPending}
}
