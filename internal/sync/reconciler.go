package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/editionsync/internal/model"
)

// ReconcileStats tracks what a single reconcile pass did. Active and Removed
// are a snapshot of the product's rows taken before resequencing.
type ReconcileStats struct {
	Processed int
	Inserted  int
	Updated   int
	Errors    int
	Active    int
	Removed   int
}

// Reconciler merges edition assignments into the store. It never writes an
// edition number itself: new rows start unnumbered and the [Resequencer] it
// triggers afterwards assigns the dense sequence.
type Reconciler struct {
	store Store
	reseq *Resequencer
	certs *CertificateIssuer
	log   *slog.Logger
	now   clock
}

// NewReconciler creates a Reconciler wired to the given store, resequencer and
// certificate issuer.
func NewReconciler(store Store, reseq *Resequencer, certs *CertificateIssuer, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, reseq: reseq, certs: certs, log: logger, now: utcNow}
}

// Reconcile processes every assignment independently; a store error on one
// assignment is logged and counted, and the rest continue. When force is
// false, existing rows are left untouched. The returned error reports a
// product-level failure (snapshot or resequencing); the assignments that
// were written stay written.
func (r *Reconciler) Reconcile(ctx context.Context, productID string, assignments []model.Assignment, force bool) (ReconcileStats, error) {
	var stats ReconcileStats

	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("reconciling %s: %w", productID, err)
		}

		wrote, inserted, err := r.apply(ctx, a, force)
		if err != nil {
			r.log.Error("reconcile line item failed",
				"product_id", productID,
				"order_id", a.OrderID,
				"line_item_id", a.LineItemID,
				"error", err,
			)
			stats.Errors++
			continue
		}
		stats.Processed++
		switch {
		case inserted:
			stats.Inserted++
		case wrote:
			stats.Updated++
		}
	}

	rows, err := r.store.ListByProduct(ctx, productID)
	if err != nil {
		return stats, fmt.Errorf("snapshotting rows of %s: %w", productID, err)
	}
	for _, row := range rows {
		switch row.Status {
		case model.StatusActive:
			stats.Active++
		case model.StatusRemoved:
			stats.Removed++
		}
	}

	r.log.Info("reconcile complete",
		"product_id", productID,
		"processed", stats.Processed,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"errors", stats.Errors,
	)

	if _, err := r.reseq.Resequence(ctx, productID); err != nil {
		return stats, err
	}
	return stats, nil
}

// apply merges one assignment. It reports whether a row was written and
// whether that write was an insert.
func (r *Reconciler) apply(ctx context.Context, a model.Assignment, force bool) (wrote, inserted bool, err error) {
	existing, err := r.store.GetByLineItem(ctx, a.OrderID, a.LineItemID)
	if err != nil {
		return false, false, err
	}
	now := r.now()

	if existing == nil {
		item := &model.LineItem{
			OrderID:    a.OrderID,
			LineItemID: a.LineItemID,
			OrderName:  a.OrderName,
			ProductID:  a.ProductID,
			VariantID:  a.VariantID,
			VendorName: a.VendorName,
			Status:     model.StatusActive,
			CreatedAt:  a.CreatedAt,
			UpdatedAt:  now,
		}
		r.certs.Issue(item, now)
		if err := r.store.Insert(ctx, item); err != nil {
			return false, false, err
		}
		return true, true, nil
	}

	if !force {
		return false, false, nil
	}

	existing.UpdatedAt = now
	if a.VendorName != "" {
		existing.VendorName = a.VendorName
	}
	if existing.OrderName == "" {
		existing.OrderName = a.OrderName
	}
	switch existing.Status {
	case model.StatusActive:
		r.certs.Issue(existing, now)
	case model.StatusRemoved:
		existing.EditionNumber = nil
	}

	if err := r.store.Update(ctx, existing); err != nil {
		return false, false, err
	}
	return true, false, nil
}
