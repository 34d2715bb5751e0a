package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/editionsync/internal/model"
)

// DefaultDuplicateWindow is the width of the time bucket used to group
// redelivered copies of one purchase event.
const DefaultDuplicateWindow = time.Minute

// Deduplicator finds line item records that describe the same purchase event
// (same order, same time bucket) and retires all but one canonical survivor.
type Deduplicator struct {
	store         Store
	source        OrderSource
	reseq         *Resequencer
	rules         []Rule
	window        time.Duration
	sourceTimeout time.Duration
	log           *slog.Logger
	now           clock
}

// NewDeduplicator creates a Deduplicator using [DefaultRules]. A non-positive
// window falls back to [DefaultDuplicateWindow]; a non-positive sourceTimeout
// leaves SKU lookups bounded only by the caller's context.
func NewDeduplicator(store Store, source OrderSource, reseq *Resequencer, window, sourceTimeout time.Duration, logger *slog.Logger) *Deduplicator {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &Deduplicator{
		store:         store,
		source:        source,
		reseq:         reseq,
		rules:         DefaultRules,
		window:        window,
		sourceTimeout: sourceTimeout,
		log:           logger,
		now:           utcNow,
	}
}

// skuLookup is the result of best-effort SKU enrichment. When the lookup
// failed, err is set and every SKU reads as empty.
type skuLookup struct {
	details map[string]model.LineItemDetails
	err     error
}

func (l skuLookup) sku(lineItemID string) string {
	if l.err != nil {
		return ""
	}
	return l.details[lineItemID].SKU
}

// Deduplicate retires duplicates among the product's active rows and the
// active orphaned rows, then resequences if anything changed. It returns the
// number of rows removed. Rows already removed are not regrouped: they can
// never survive.
func (d *Deduplicator) Deduplicate(ctx context.Context, productID string) (int, error) {
	rows, err := d.store.ListDuplicateCandidates(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("listing duplicate candidates of %s: %w", productID, err)
	}

	active := rows[:0:0]
	for _, row := range rows {
		if row.Status == model.StatusActive {
			active = append(active, row)
		}
	}
	if len(active) < 2 {
		return 0, nil
	}

	skus := d.lookupSKUs(ctx, productID, active)

	removed := 0
	now := d.now()
	for _, group := range d.group(active, skus) {
		if len(group) < 2 {
			continue
		}
		survivor := SelectSurvivor(productID, group, d.rules)
		for _, c := range group {
			if c.Row == survivor.Row {
				continue
			}
			reason := RemovalReason(productID, c)
			if err := d.store.MarkRemoved(ctx, c.Row.ID, reason, now); err != nil {
				d.log.Error("removing duplicate failed",
					"product_id", productID,
					"id", c.Row.ID,
					"line_item_id", c.Row.LineItemID,
					"error", err,
				)
				continue
			}
			d.log.Info("duplicate removed",
				"product_id", productID,
				"order_id", c.Row.OrderID,
				"line_item_id", c.Row.LineItemID,
				"kept_line_item_id", survivor.Row.LineItemID,
				"reason", reason,
			)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}
	if _, err := d.reseq.Resequence(ctx, productID); err != nil {
		return removed, err
	}
	return removed, nil
}

// group buckets candidates by order ID and CreatedAt truncated to the window.
// Groups come back in first-seen order so that processing is deterministic.
func (d *Deduplicator) group(rows []*model.LineItem, skus skuLookup) [][]Candidate {
	type key struct {
		orderID string
		bucket  int64
	}
	index := make(map[key]int)
	var groups [][]Candidate

	for _, row := range rows {
		k := key{orderID: row.OrderID, bucket: row.CreatedAt.Truncate(d.window).UnixNano()}
		c := Candidate{Row: row, SKU: skus.sku(row.LineItemID)}
		i, ok := index[k]
		if !ok {
			index[k] = len(groups)
			groups = append(groups, []Candidate{c})
			continue
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

// lookupSKUs fetches SKUs for the rows. Failure is logged and degrades to an
// empty lookup; it never fails deduplication.
func (d *Deduplicator) lookupSKUs(ctx context.Context, productID string, rows []*model.LineItem) skuLookup {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.LineItemID)
	}

	if d.sourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sourceTimeout)
		defer cancel()
	}
	details, err := d.source.FetchLineItemDetails(ctx, ids)
	if err != nil {
		d.log.Warn("SKU lookup failed, treating SKUs as missing", "product_id", productID, "error", err)
		return skuLookup{err: err}
	}
	return skuLookup{details: details}
}
