package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/njoerd114/editionsync/internal/model"
)

// recordTimeout bounds the audit write, which runs even when the batch
// context has been cancelled.
const recordTimeout = 5 * time.Second

// Recorder appends one audit record per orchestrator run.
type Recorder struct {
	store Store
	log   *slog.Logger
	now   clock
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, log: logger, now: utcNow}
}

// Record persists the summary as a [model.SyncRun]. On failure it logs and
// returns the error so the caller can decide what to surface; the batch
// itself never fails because of it.
func (r *Recorder) Record(ctx context.Context, s Summary) (*model.SyncRun, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	run := &model.SyncRun{
		TotalProducts:      s.TotalProducts,
		SuccessfulProducts: s.SuccessfulProducts,
		Results:            s.Results,
		CreatedAt:          r.now(),
	}
	if err := r.store.InsertSyncRun(ctx, run); err != nil {
		r.log.Error("recording sync run failed", "total", s.TotalProducts, "error", err)
		return nil, err
	}
	return run, nil
}
