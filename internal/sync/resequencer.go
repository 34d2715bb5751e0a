package sync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/njoerd114/editionsync/internal/model"
)

// ResequenceStats reports the outcome of one resequencing pass.
type ResequenceStats struct {
	Active     int // active rows numbered 1..Active
	Renumbered int // active rows whose number changed
	Cleared    int // non-active rows whose stale number was cleared
	Errors     int // per-row write failures (skipped)
}

// Resequencer rewrites a product's edition numbers so that active rows carry
// exactly 1..k in CreatedAt order and every other row carries none.
type Resequencer struct {
	store Store
	log   *slog.Logger
	now   clock
}

// NewResequencer creates a Resequencer over store.
func NewResequencer(store Store, logger *slog.Logger) *Resequencer {
	return &Resequencer{store: store, log: logger, now: utcNow}
}

// Resequence renumbers the product. Rows already holding the right number are
// not written, so repeated passes over an unchanged set are no-ops. A listing
// failure aborts the pass; per-row write failures are logged and skipped.
func (r *Resequencer) Resequence(ctx context.Context, productID string) (ResequenceStats, error) {
	var stats ResequenceStats

	rows, err := r.store.ListByProduct(ctx, productID)
	if err != nil {
		return stats, fmt.Errorf("listing rows of %s for resequencing: %w", productID, err)
	}

	var active []*model.LineItem
	now := r.now()
	for _, row := range rows {
		if row.Status == model.StatusActive {
			active = append(active, row)
			continue
		}
		if row.EditionNumber == nil {
			continue
		}
		if err := r.store.SetEditionNumber(ctx, row.ID, nil, now); err != nil {
			r.log.Error("clearing edition number failed", "product_id", productID, "id", row.ID, "error", err)
			stats.Errors++
			continue
		}
		row.EditionNumber = nil
		stats.Cleared++
	}

	// Row ID breaks CreatedAt ties so the numbering is deterministic.
	slices.SortStableFunc(active, func(a, b *model.LineItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	stats.Active = len(active)
	for i, row := range active {
		want := i + 1
		if row.EditionNumber != nil && *row.EditionNumber == want {
			continue
		}
		if err := r.store.SetEditionNumber(ctx, row.ID, model.EditionInt(want), now); err != nil {
			r.log.Error("setting edition number failed",
				"product_id", productID,
				"id", row.ID,
				"edition", want,
				"error", err,
			)
			stats.Errors++
			continue
		}
		row.EditionNumber = model.EditionInt(want)
		stats.Renumbered++
	}

	r.log.Debug("resequenced product",
		"product_id", productID,
		"active", stats.Active,
		"renumbered", stats.Renumbered,
		"cleared", stats.Cleared,
	)
	return stats, nil
}
