package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// BatchSyncer runs one sync batch. Implemented by [Orchestrator].
type BatchSyncer interface {
	Sync(ctx context.Context, productIDs []string, force bool) (Summary, error)
}

// Scheduler resyncs a fixed product list on an interval, in addition to the
// on-demand HTTP trigger. Create one with [NewScheduler] and start it with
// [Scheduler.Run].
type Scheduler struct {
	syncer   BatchSyncer
	products []string
	interval time.Duration
	force    bool
	log      *slog.Logger
}

// NewScheduler creates a Scheduler that syncs products every interval.
func NewScheduler(syncer BatchSyncer, products []string, interval time.Duration, force bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		products: products,
		interval: interval,
		force:    force,
		log:      logger,
	}
}

// Run performs an immediate pass and then one per tick. Passes never overlap.
// It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	summary, err := s.syncer.Sync(ctx, s.products, s.force)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("scheduled sync failed", "error", err)
		}
		return
	}
	level := slog.LevelInfo
	if summary.SuccessfulProducts < summary.TotalProducts {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "scheduled sync complete",
		"total", summary.TotalProducts,
		"successful", summary.SuccessfulProducts,
		"run_id", summary.RunID,
	)
}
