package model

import "time"

// EditionCounts is the per-product outcome of a successful sync.
type EditionCounts struct {
	TotalEditions      int `json:"totalEditions"`
	EditionTotal       int `json:"editionTotal"`
	LineItemsProcessed int `json:"lineItemsProcessed"`
	ActiveItems        int `json:"activeItems"`
	RemovedItems       int `json:"removedItems"`
}

// ProductResult is one entry of a batch summary. Exactly one of Result and
// Error is set.
type ProductResult struct {
	ProductID    string         `json:"productId"`
	ProductTitle string         `json:"productTitle"`
	Result       *EditionCounts `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// OK reports whether the product synced successfully.
func (r ProductResult) OK() bool {
	return r.Error == "" && r.Result != nil
}

// SyncRun is the append-only audit record of one orchestrator invocation.
type SyncRun struct {
	ID                 int64           `json:"id"`
	TotalProducts      int             `json:"totalProducts"`
	SuccessfulProducts int             `json:"successfulProducts"`
	Results            []ProductResult `json:"syncResults"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// CountLineItems tallies the status counts of rows. TotalEditions counts
// active rows that carry an edition number. EditionTotal and
// LineItemsProcessed are left zero.
func CountLineItems(rows []*LineItem) EditionCounts {
	var c EditionCounts
	for _, row := range rows {
		switch row.Status {
		case StatusActive:
			c.ActiveItems++
			if row.EditionNumber != nil {
				c.TotalEditions++
			}
		case StatusRemoved:
			c.RemovedItems++
		}
	}
	return c
}
