package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/editionsync/internal/edition"
	"github.com/njoerd114/editionsync/internal/lock"
	"github.com/njoerd114/editionsync/internal/model"
)

const (
	otelScope         = "editionsync/sync"
	spanSync          = "editions.sync"
	spanSyncProduct   = "editions.sync_product"
	metricSynced      = "editionsync.products.synced"
	metricFailed      = "editionsync.products.failed"
	metricCacheHits   = "editionsync.products.cache_hits"
	metricDuplicates  = "editionsync.line_items.duplicates_removed"
	metricProcessed   = "editionsync.line_items.processed"
	metricRecordFails = "editionsync.sync_runs.record_failures"
)

// maxConcurrency caps Options.Concurrency.
const maxConcurrency = 16

// ErrNoProducts is returned by [Orchestrator.Sync] for an empty request.
var ErrNoProducts = errors.New("at least one product ID is required")

// Options tunes the orchestrator. The zero value syncs products sequentially
// with no per-call timeout and a one-minute duplicate window.
type Options struct {
	// ProductTimeout bounds each order source call made for a product.
	ProductTimeout time.Duration
	// Concurrency is the number of products synced in parallel.
	Concurrency int
	// DuplicateWindow is the time bucket width for duplicate grouping.
	DuplicateWindow time.Duration
	// CertificateBaseURL prefixes generated certificate URLs.
	CertificateBaseURL string
}

// Summary is the result of one orchestrator run. Results are in request order.
type Summary struct {
	TotalProducts      int
	SuccessfulProducts int
	Results            []model.ProductResult
	// RunID is the audit record ID, or 0 if recording failed.
	RunID int64
}

// Orchestrator is the entry point of the engine. Create one with
// [NewOrchestrator] and call [Orchestrator.Sync] per request.
type Orchestrator struct {
	source     OrderSource
	store      Store
	locker     lock.Locker
	reconciler *Reconciler
	dedup      *Deduplicator
	recorder   *Recorder
	opts       Options
	log        *slog.Logger

	// OTel instruments: always non-nil (no-op when telemetry is disabled).
	tracer         trace.Tracer
	cntSynced      metric.Int64Counter
	cntFailed      metric.Int64Counter
	cntCacheHits   metric.Int64Counter
	cntDuplicates  metric.Int64Counter
	cntProcessed   metric.Int64Counter
	cntRecordFails metric.Int64Counter
}

// NewOrchestrator wires the pipeline components over source and store. locker
// serialises concurrent syncs of the same product; pass [lock.NewLocal] for a
// single process.
func NewOrchestrator(source OrderSource, store Store, locker lock.Locker, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Concurrency > maxConcurrency {
		opts.Concurrency = maxConcurrency
	}

	reseq := NewResequencer(store, logger)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Orchestrator{
		source:     source,
		store:      store,
		locker:     locker,
		reconciler: NewReconciler(store, reseq, NewCertificateIssuer(opts.CertificateBaseURL), logger),
		dedup:      NewDeduplicator(store, source, reseq, opts.DuplicateWindow, opts.ProductTimeout, logger),
		recorder:   NewRecorder(store, logger),
		opts:       opts,
		log:        logger,

		tracer:         otel.Tracer(otelScope),
		cntSynced:      mustCounter(metricSynced, "Number of products synced successfully"),
		cntFailed:      mustCounter(metricFailed, "Number of products whose sync failed"),
		cntCacheHits:   mustCounter(metricCacheHits, "Number of products served from persisted rows"),
		cntDuplicates:  mustCounter(metricDuplicates, "Number of duplicate line items removed"),
		cntProcessed:   mustCounter(metricProcessed, "Number of order line items reconciled"),
		cntRecordFails: mustCounter(metricRecordFails, "Number of sync run audit records that failed to persist"),
	}
}

// Sync synchronises each product independently and returns a batch summary.
// A product's failure becomes an error entry in the summary and never stops
// the others. The only errors returned are [ErrNoProducts] and cancellation
// of ctx before any product started. A sync run is always recorded.
func (o *Orchestrator) Sync(ctx context.Context, productIDs []string, force bool) (Summary, error) {
	if len(productIDs) == 0 {
		return Summary{}, ErrNoProducts
	}
	if err := ctx.Err(); err != nil {
		return Summary{}, fmt.Errorf("sync not started: %w", err)
	}

	ctx, span := o.tracer.Start(ctx, spanSync, trace.WithAttributes(
		attribute.Int("sync.products", len(productIDs)),
		attribute.Bool("sync.force", force),
	))
	defer span.End()

	results := make([]model.ProductResult, len(productIDs))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, productID := range productIDs {
		g.Go(func() error {
			results[i] = o.syncProductSafe(ctx, productID, force)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{TotalProducts: len(productIDs), Results: results}
	for _, r := range results {
		if r.OK() {
			summary.SuccessfulProducts++
		}
	}

	if run, err := o.recorder.Record(ctx, summary); err != nil {
		o.cntRecordFails.Add(ctx, 1)
	} else {
		summary.RunID = run.ID
	}

	span.SetAttributes(attribute.Int("sync.successful", summary.SuccessfulProducts))
	o.log.Info("sync batch complete",
		"total", summary.TotalProducts,
		"successful", summary.SuccessfulProducts,
		"force", force,
	)
	return summary, nil
}

// syncProductSafe converts a panic in one product's pipeline into an error
// entry so the rest of the batch proceeds.
func (o *Orchestrator) syncProductSafe(ctx context.Context, productID string, force bool) (res model.ProductResult) {
	res.ProductID = productID
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("product sync panicked", "product_id", productID, "title", res.ProductTitle, "panic", p)
			res.Result = nil
			res.Error = fmt.Sprintf("internal error: %v", p)
			o.cntFailed.Add(ctx, 1)
		}
	}()
	o.syncProduct(ctx, &res, force)
	return res
}

// syncProduct fills res in place so a recovered panic still reports the
// title once product info was fetched.
func (o *Orchestrator) syncProduct(ctx context.Context, res *model.ProductResult, force bool) {
	productID := res.ProductID
	ctx, span := o.tracer.Start(ctx, spanSyncProduct, trace.WithAttributes(
		attribute.String("product.id", productID),
	))
	defer span.End()

	counts, err := o.runPipeline(ctx, productID, force, &res.ProductTitle)
	if err != nil {
		o.log.Error("product sync failed", "product_id", productID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.cntFailed.Add(ctx, 1)
		res.Error = err.Error()
		return
	}

	span.SetAttributes(
		attribute.Int("editions.total", counts.TotalEditions),
		attribute.Int("editions.active", counts.ActiveItems),
		attribute.Int("editions.removed", counts.RemovedItems),
	)
	o.cntSynced.Add(ctx, 1)
	res.Result = &counts
}

// runPipeline runs the per-product stages and stores the product title in
// title as soon as it is known. Stages after a product-level store failure
// still run; the first such failure is reported.
func (o *Orchestrator) runPipeline(ctx context.Context, productID string, force bool, title *string) (model.EditionCounts, error) {
	var counts model.EditionCounts

	info, err := o.getProductInfo(ctx, productID)
	if err != nil {
		return counts, err
	}
	*title = info.Title
	counts.EditionTotal = info.EditionTotal

	rows, err := o.store.ListByProduct(ctx, productID)
	if err != nil {
		return counts, fmt.Errorf("listing persisted rows: %w", err)
	}
	if len(rows) > 0 && !force {
		o.cntCacheHits.Add(ctx, 1)
		countRows(&counts, rows)
		counts.LineItemsProcessed = len(rows)
		o.log.Debug("served from persisted rows", "product_id", productID, "rows", len(rows))
		return counts, nil
	}

	unlock, err := o.locker.Lock(ctx, productID)
	if err != nil {
		return counts, fmt.Errorf("acquiring product lock: %w", err)
	}
	defer unlock()

	items, err := o.fetchLineItems(ctx, productID, info.VariantIDs)
	if err != nil {
		return counts, err
	}

	assignments := edition.Assign(items, info.EditionTotal)
	if s := edition.Summarize(assignments); s.OverCap > 0 {
		o.log.Warn("product oversold beyond edition total",
			"product_id", productID,
			"edition_total", info.EditionTotal,
			"assigned", s.Assigned,
			"over_cap", s.OverCap,
		)
	}

	var firstErr error
	rstats, err := o.reconciler.Reconcile(ctx, productID, assignments, force)
	if err != nil {
		o.log.Error("reconcile stage failed", "product_id", productID, "error", err)
		firstErr = err
	}
	counts.LineItemsProcessed = rstats.Processed
	o.cntProcessed.Add(ctx, int64(rstats.Processed))

	removed, err := o.dedup.Deduplicate(ctx, productID)
	if err != nil {
		o.log.Error("duplicate detection failed", "product_id", productID, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if removed > 0 {
		o.cntDuplicates.Add(ctx, int64(removed))
	}

	final, err := o.store.ListByProduct(ctx, productID)
	if err != nil {
		return counts, fmt.Errorf("listing rows after sync: %w", err)
	}
	countRows(&counts, final)
	return counts, firstErr
}

func (o *Orchestrator) getProductInfo(ctx context.Context, productID string) (model.ProductInfo, error) {
	ctx, cancel := o.sourceContext(ctx)
	defer cancel()
	info, err := o.source.GetProductInfo(ctx, productID)
	if err != nil {
		return model.ProductInfo{}, fmt.Errorf("fetching product info: %w", err)
	}
	return info, nil
}

func (o *Orchestrator) fetchLineItems(ctx context.Context, productID string, variantIDs []string) ([]model.SourceLineItem, error) {
	ctx, cancel := o.sourceContext(ctx)
	defer cancel()
	items, err := o.source.FetchAllOrdersWithProduct(ctx, productID, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching orders: %w", err)
	}
	return items, nil
}

// sourceContext applies the per-product timeout to an order source call.
func (o *Orchestrator) sourceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.ProductTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.ProductTimeout)
}

// countRows fills the status counts of rows into c.
func countRows(c *model.EditionCounts, rows []*model.LineItem) {
	n := model.CountLineItems(rows)
	c.TotalEditions, c.ActiveItems, c.RemovedItems = n.TotalEditions, n.ActiveItems, n.RemovedItems
}
