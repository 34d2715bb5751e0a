package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/njoerd114/editionsync/internal/model"
	syncp "github.com/njoerd114/editionsync/internal/sync"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// Syncer runs an edition sync batch. Implemented by *sync.Orchestrator.
type Syncer interface {
	Sync(ctx context.Context, productIDs []string, force bool) (syncp.Summary, error)
}

// Reader is the read side of the state store used by the admin endpoints.
type Reader interface {
	ListByProduct(ctx context.Context, productID string) ([]*model.LineItem, error)
	ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error)
	Ping(ctx context.Context) error
}

// Handler serves the edition endpoints.
type Handler struct {
	syncer Syncer
	reader Reader
	log    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(syncer Syncer, reader Reader, logger *slog.Logger) *Handler {
	return &Handler{syncer: syncer, reader: reader, log: logger}
}

type syncRequest struct {
	ProductIDs []string `json:"productIds"`
	ForceSync  bool     `json:"forceSync"`
}

type syncResponse struct {
	Success            bool                  `json:"success"`
	TotalProducts      int                   `json:"totalProducts"`
	SuccessfulProducts int                   `json:"successfulProducts"`
	SyncResults        []model.ProductResult `json:"syncResults"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Sync handles POST /api/editions/sync. The response is 200 with per-product
// outcomes whenever the batch ran, even if every product failed.
func (h *Handler) Sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	ids := make([]string, 0, len(req.ProductIDs))
	for _, id := range req.ProductIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	summary, err := h.syncer.Sync(c.Request.Context(), ids, req.ForceSync)
	switch {
	case errors.Is(err, syncp.ErrNoProducts):
		fail(c, http.StatusBadRequest, fmt.Errorf("productIds: %w", err))
		return
	case err != nil:
		h.log.Error("sync request failed", "products", len(ids), "error", err)
		fail(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, syncResponse{
		Success:            true,
		TotalProducts:      summary.TotalProducts,
		SuccessfulProducts: summary.SuccessfulProducts,
		SyncResults:        summary.Results,
	})
}

type lineItemView struct {
	ID             int64        `json:"id"`
	OrderID        string       `json:"orderId"`
	OrderName      string       `json:"orderName,omitempty"`
	LineItemID     string       `json:"lineItemId"`
	VariantID      string       `json:"variantId,omitempty"`
	VendorName     string       `json:"vendorName,omitempty"`
	EditionNumber  *int         `json:"editionNumber"`
	Status         model.Status `json:"status"`
	RemovedReason  string       `json:"removedReason,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	CertificateURL string       `json:"certificateUrl,omitempty"`
}

type productResponse struct {
	Success   bool                `json:"success"`
	ProductID string              `json:"productId"`
	Counts    model.EditionCounts `json:"counts"`
	LineItems []lineItemView      `json:"lineItems"`
}

// Product handles GET /api/editions/products/:productId.
func (h *Handler) Product(c *gin.Context) {
	productID := c.Param("productId")
	rows, err := h.reader.ListByProduct(c.Request.Context(), productID)
	if err != nil {
		h.log.Error("listing product rows", "product_id", productID, "error", err)
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if len(rows) == 0 {
		fail(c, http.StatusNotFound, fmt.Errorf("no line items recorded for product %q", productID))
		return
	}

	counts := model.CountLineItems(rows)
	counts.LineItemsProcessed = len(rows)
	views := make([]lineItemView, len(rows))
	for i, r := range rows {
		views[i] = lineItemView{
			ID:             r.ID,
			OrderID:        r.OrderID,
			OrderName:      r.OrderName,
			LineItemID:     r.LineItemID,
			VariantID:      r.VariantID,
			VendorName:     r.VendorName,
			EditionNumber:  r.EditionNumber,
			Status:         r.Status,
			RemovedReason:  r.RemovedReason,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
			CertificateURL: r.CertificateURL,
		}
	}
	c.JSON(http.StatusOK, productResponse{Success: true, ProductID: productID, Counts: counts, LineItems: views})
}

type runsResponse struct {
	Success bool             `json:"success"`
	Runs    []*model.SyncRun `json:"runs"`
}

// Runs handles GET /api/editions/runs?limit=N.
func (h *Handler) Runs(c *gin.Context) {
	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			fail(c, http.StatusBadRequest, fmt.Errorf("limit must be an integer between 1 and %d", maxRunsLimit))
			return
		}
		limit = n
	}

	runs, err := h.reader.ListSyncRuns(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("listing sync runs", "error", err)
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*model.SyncRun{}
	}
	c.JSON(http.StatusOK, runsResponse{Success: true, Runs: runs})
}

// Health handles GET /healthz.
func (h *Handler) Health(c *gin.Context) {
	if err := h.reader.Ping(c.Request.Context()); err != nil {
		h.log.Warn("health check failed", "error", err)
		c.String(http.StatusServiceUnavailable, "unavailable")
		return
	}
	c.String(http.StatusOK, "ok")
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Success: false, Message: err.Error()})
}
