// Package shop is the order source adapter: a JSON-over-HTTP client for the
// commerce platform's product and order API. It provides an [Adapter] with
// methods aligned to the sync engine's needs and a 3-attempt
// exponential-backoff [Retry] helper.
package shop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/njoerd114/editionsync/internal/model"
)

// ErrNotFound is returned when the platform reports a 404 for a product.
var ErrNotFound = errors.New("not found")

// detailsChunkSize bounds the number of IDs per details request.
const detailsChunkSize = 100

// maxPages guards against a platform that never stops returning cursors.
const maxPages = 1000

// HTTPDoer is the subset of [*http.Client] used by the adapter. Defining it as
// an interface allows transport injection in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter reads products and order line items from the commerce platform.
// Create one with [NewAdapter] or [NewAdapterWithClient].
type Adapter struct {
	baseURL string
	token   string
	hc      HTTPDoer
	logger  *slog.Logger
}

// NewAdapter creates an Adapter with its own HTTP client. timeout bounds each
// individual request, not a whole paginated fetch.
func NewAdapter(baseURL, token string, timeout time.Duration, logger *slog.Logger) (*Adapter, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse order source URL %q: %w", baseURL, err)
	}
	return NewAdapterWithClient(baseURL, token, &http.Client{Timeout: timeout}, logger), nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied HTTP client.
func NewAdapterWithClient(baseURL, token string, hc HTTPDoer, logger *slog.Logger) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      hc,
		logger:  logger,
	}
}

// GetProductInfo returns the title, variant IDs and edition total of a product.
func (a *Adapter) GetProductInfo(ctx context.Context, productID string) (model.ProductInfo, error) {
	endpoint := a.baseURL + "/products/" + url.PathEscape(productID)

	var resp productResponse
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return a.doJSON(ctx, http.MethodGet, endpoint, nil, &resp)
	})
	if err != nil {
		return model.ProductInfo{}, fmt.Errorf("get product %s: %w", productID, err)
	}
	return toProductInfo(resp), nil
}

// FetchAllOrdersWithProduct returns every order line item referencing the
// product or any of its variants, following pagination to the end. Malformed
// line items are logged and skipped.
func (a *Adapter) FetchAllOrdersWithProduct(ctx context.Context, productID string, variantIDs []string) ([]model.SourceLineItem, error) {
	var items []model.SourceLineItem
	cursor := ""

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("fetch line items for %s: more than %d pages", productID, maxPages)
		}

		q := url.Values{}
		if len(variantIDs) > 0 {
			q.Set("variant_ids", strings.Join(variantIDs, ","))
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		endpoint := a.baseURL + "/products/" + url.PathEscape(productID) + "/line-items"
		if enc := q.Encode(); enc != "" {
			endpoint += "?" + enc
		}

		var resp lineItemsPage
		err := Retry(ctx, defaultMaxAttempts, func() error {
			resp = lineItemsPage{}
			return a.doJSON(ctx, http.MethodGet, endpoint, nil, &resp)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch line items for %s (page %d): %w", productID, page+1, err)
		}

		for _, j := range resp.LineItems {
			item, convErr := toSourceLineItem(j)
			if convErr != nil {
				a.logger.Warn("skipping malformed line item", "product_id", productID, "error", convErr)
				continue
			}
			items = append(items, item)
		}

		if resp.NextCursor == "" || resp.NextCursor == cursor {
			break
		}
		cursor = resp.NextCursor
	}

	a.logger.Debug("fetched line items", "product_id", productID, "count", len(items))
	return items, nil
}

// FetchLineItemDetails returns catalog details (SKU) keyed by line item ID.
// IDs the platform does not know are absent from the result.
func (a *Adapter) FetchLineItemDetails(ctx context.Context, lineItemIDs []string) (map[string]model.LineItemDetails, error) {
	out := make(map[string]model.LineItemDetails, len(lineItemIDs))
	endpoint := a.baseURL + "/line-items/details"

	for start := 0; start < len(lineItemIDs); start += detailsChunkSize {
		end := min(start+detailsChunkSize, len(lineItemIDs))
		body, err := json.Marshal(detailsRequest{IDs: lineItemIDs[start:end]})
		if err != nil {
			return nil, fmt.Errorf("encode details request: %w", err)
		}

		var resp detailsResponse
		err = Retry(ctx, defaultMaxAttempts, func() error {
			resp = detailsResponse{}
			return a.doJSON(ctx, http.MethodPost, endpoint, body, &resp)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch line item details: %w", err)
		}
		for id, d := range resp.LineItems {
			out[id] = model.LineItemDetails{SKU: strings.TrimSpace(d.SKU)}
		}
	}
	return out, nil
}

// doJSON performs one request and decodes a JSON response into out. 4xx
// responses other than 429 are permanent; 5xx and transport errors are retried.
func (a *Adapter) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return permanent(ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return permanent(fmt.Errorf("order source returned %d, check order_source.token", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("order source returned status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return permanent(fmt.Errorf("order source returned unexpected status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
