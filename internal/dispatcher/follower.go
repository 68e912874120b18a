package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/roach88/dsrflow/internal/record"
)

const (
	// DefaultCursorName is the cursor a follower saves its position under.
	DefaultCursorName = "dispatcher"

	// DefaultFollowInterval is how long an idle follower waits between polls.
	DefaultFollowInterval = 5 * time.Second

	// DefaultBatchSize is how many changes one poll reads.
	DefaultBatchSize = 100
)

// ChangeFeed is an ordered feed of record versions with a saved read
// position.
type ChangeFeed interface {
	Changes(ctx context.Context, afterSeq int64, limit int) ([]record.Record, error)
	Cursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, pos int64) error
}

// FollowerConfig configures a Follower. Zero fields take defaults.
type FollowerConfig struct {
	Cursor    string
	Interval  time.Duration
	BatchSize int
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Follower reads the change feed and dispatches every new version.
//
// The cursor is saved after each batch is dispatched, so a crash between
// the two redelivers the batch. Every dispatch action tolerates that.
type Follower struct {
	feed   ChangeFeed
	d      *Dispatcher
	conf   FollowerConfig
	logger *slog.Logger
}

// NewFollower creates a follower feeding d.
func NewFollower(feed ChangeFeed, d *Dispatcher, conf FollowerConfig) *Follower {
	if conf.Cursor == "" {
		conf.Cursor = DefaultCursorName
	}
	if conf.Interval <= 0 {
		conf.Interval = DefaultFollowInterval
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = DefaultBatchSize
	}
	if conf.Clock == nil {
		conf.Clock = clock.WallClock
	}
	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{feed: feed, d: d, conf: conf, logger: logger.With("cursor", conf.Cursor)}
}

// Poll dispatches the next batch of changes and advances the cursor past
// it. It returns the batch outcomes; an empty result means the feed is
// drained.
func (f *Follower) Poll(ctx context.Context) ([]Outcome, error) {
	pos, err := f.feed.Cursor(ctx, f.conf.Cursor)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	batch, err := f.feed.Changes(ctx, pos, f.conf.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("poll after %d: %w", pos, err)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	outcomes := f.d.Dispatch(ctx, batch)

	last := batch[len(batch)-1].Seq
	if err := f.feed.SetCursor(ctx, f.conf.Cursor, last); err != nil {
		return outcomes, fmt.Errorf("poll: %w", err)
	}
	f.logger.Debug("batch dispatched", "from", pos, "to", last, "records", len(batch))
	return outcomes, nil
}

// CatchUp polls until the feed is drained and returns every outcome.
func (f *Follower) CatchUp(ctx context.Context) ([]Outcome, error) {
	var all []Outcome
	for {
		outcomes, err := f.Poll(ctx)
		all = append(all, outcomes...)
		if err != nil || len(outcomes) == 0 {
			return all, err
		}
	}
}

// Run follows the feed until ctx is cancelled. A full batch is followed by
// an immediate poll; otherwise the follower waits for the interval.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Info("follower starting", "interval", f.conf.Interval, "batch", f.conf.BatchSize)
	for {
		outcomes, err := f.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			f.logger.Error("follow change feed", "error", err)
		}
		if err == nil && len(outcomes) == f.conf.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			f.logger.Info("follower stopping")
			return ctx.Err()
		case <-f.conf.Clock.After(f.conf.Interval):
		}
	}
}
