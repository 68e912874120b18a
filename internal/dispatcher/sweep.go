package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/record"
)

// FailedSource lists the requests whose current version is FAILED.
type FailedSource interface {
	CurrentFailed(ctx context.Context) ([]record.Record, error)
}

// Starter starts orchestration instances.
type Starter interface {
	StartInstance(ctx context.Context, name, id string, input any) (bool, error)
}

// SweepReport counts what a sweep did.
type SweepReport struct {
	Found   int `json:"found"`
	Started int `json:"started"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
}

// Sweeper starts a recovery for every failed request.
type Sweeper struct {
	src               FailedSource
	rt                Starter
	missingReasonOnly bool
	logger            *slog.Logger
	cron              *cron.Cron
	observer          func(SweepReport)
}

// NewSweeper creates a sweeper. When missingReasonOnly is set, failed
// records that already carry a reason are left alone.
func NewSweeper(src FailedSource, rt Starter, missingReasonOnly bool, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		src:               src,
		rt:                rt,
		missingReasonOnly: missingReasonOnly,
		logger:            logger,
		cron:              cron.New(),
	}
}

// Observe registers fn to receive the report of every sweep. Call it before
// Start.
func (s *Sweeper) Observe(fn func(SweepReport)) {
	s.observer = fn
}

// Sweep starts recovery instances for the current failed requests.
// A recovery already running for a key is left alone.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	failed, err := s.src.CurrentFailed(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("sweep: %w", err)
	}

	var rep SweepReport
	for _, rec := range failed {
		if s.missingReasonOnly && rec.Reason != "" {
			continue
		}
		rep.Found++

		id := record.RecoveryInstanceID(rec.Operation, rec.Identity)
		started, err := s.rt.StartInstance(ctx, orchestrator.NameRecovery, id, rec)
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Error("start recovery", "instance", id, "error", err)
		case started:
			rep.Started++
		default:
			rep.Running++
		}
	}

	s.logger.Info("sweep finished", "found", rep.Found, "started", rep.Started,
		"running", rep.Running, "failed", rep.Failed)
	if s.observer != nil {
		s.observer(rep)
	}
	return rep, nil
}

// Start runs Sweep on the cron schedule until Stop is called.
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("scheduled sweep", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweep scheduled", "schedule", schedule)
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
