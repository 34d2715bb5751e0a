// Package sync implements the edition number synchronization engine. It
// reconciles order line items from the commerce platform against the state
// database, retires duplicate records, and keeps each product's edition
// numbers a dense 1..N sequence ordered by purchase time.
//
// The package contains five components, run per product in this order:
//
//   - [Orchestrator] decides cache-vs-refetch and drives the pipeline.
//   - [Reconciler] merges freshly assigned line items into the store.
//   - [Deduplicator] retires redelivered duplicates of a purchase event.
//   - [Resequencer] is the only writer of edition numbers on active rows.
//   - [Recorder] appends the batch audit record.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/editionsync/internal/model"
)

// OrderSource provides read access to the commerce platform.
// Implemented by [shop.Adapter].
type OrderSource interface {
	GetProductInfo(ctx context.Context, productID string) (model.ProductInfo, error)
	FetchAllOrdersWithProduct(ctx context.Context, productID string, variantIDs []string) ([]model.SourceLineItem, error)
	FetchLineItemDetails(ctx context.Context, lineItemIDs []string) (map[string]model.LineItemDetails, error)
}

// Store provides access to persisted line items and the audit log.
// Implemented by [state.Store].
type Store interface {
	GetByLineItem(ctx context.Context, orderID, lineItemID string) (*model.LineItem, error)
	ListByProduct(ctx context.Context, productID string) ([]*model.LineItem, error)
	ListDuplicateCandidates(ctx context.Context, productID string) ([]*model.LineItem, error)
	Insert(ctx context.Context, item *model.LineItem) error
	Update(ctx context.Context, item *model.LineItem) error
	SetEditionNumber(ctx context.Context, id int64, n *int, at time.Time) error
	MarkRemoved(ctx context.Context, id int64, reason string, at time.Time) error
	InsertSyncRun(ctx context.Context, run *model.SyncRun) error
}

// clock returns the current time in UTC. Swapped out in tests.
type clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }
