package shop

import (
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/editionsync/internal/model"
)

// productResponse is the JSON body of GET /products/{id}.
type productResponse struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	VariantIDs   []string `json:"variant_ids"`
	EditionTotal int      `json:"edition_total"`
}

// lineItemJSON is one element of the line-items page.
type lineItemJSON struct {
	OrderID    string `json:"order_id"`
	OrderName  string `json:"order_name"`
	LineItemID string `json:"line_item_id"`
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id"`
	Vendor     string `json:"vendor"`
	CreatedAt  string `json:"created_at"` // RFC 3339
}

// lineItemsPage is the JSON body of GET /products/{id}/line-items.
type lineItemsPage struct {
	LineItems  []lineItemJSON `json:"line_items"`
	NextCursor string         `json:"next_cursor"`
}

// detailsRequest is the JSON body of POST /line-items/details.
type detailsRequest struct {
	IDs []string `json:"ids"`
}

// detailsResponse maps line item IDs to their catalog details.
type detailsResponse struct {
	LineItems map[string]struct {
		SKU string `json:"sku"`
	} `json:"line_items"`
}

func toProductInfo(p productResponse) model.ProductInfo {
	return model.ProductInfo{
		Title:        p.Title,
		VariantIDs:   p.VariantIDs,
		EditionTotal: p.EditionTotal,
	}
}

// toSourceLineItem validates and converts a wire line item. Rows without an
// order ID, line item ID or parseable timestamp cannot be numbered.
func toSourceLineItem(j lineItemJSON) (model.SourceLineItem, error) {
	if j.OrderID == "" || j.LineItemID == "" {
		return model.SourceLineItem{}, fmt.Errorf("line item missing order_id or line_item_id")
	}
	created, err := time.Parse(time.RFC3339Nano, j.CreatedAt)
	if err != nil {
		return model.SourceLineItem{}, fmt.Errorf("line item %s: parsing created_at %q: %w", j.LineItemID, j.CreatedAt, err)
	}
	return model.SourceLineItem{
		OrderID:    j.OrderID,
		OrderName:  j.OrderName,
		LineItemID: j.LineItemID,
		ProductID:  j.ProductID,
		VariantID:  j.VariantID,
		VendorName: strings.TrimSpace(j.Vendor),
		CreatedAt:  created.UTC(),
	}, nil
}
