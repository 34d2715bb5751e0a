// Package model defines shared types used across the sync engine, the order
// source adapter, and the state store.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a persisted line item.
type Status string

const (
	// StatusActive marks a line item counted in the dense numbering.
	StatusActive Status = "active"
	// StatusRemoved marks a line item permanently excluded from numbering.
	// Removed is terminal: the engine never reactivates a removed row.
	StatusRemoved Status = "removed"
)

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusRemoved
}

// LineItem is one persisted order line item: the unit of edition numbering.
type LineItem struct {
	// ID is the store's surrogate key. It is also the final tie-breaker when
	// two active rows share a CreatedAt.
	ID int64

	// OrderID and LineItemID together identify a purchase event instance.
	OrderID    string
	LineItemID string

	// OrderName is the human-readable order label (display only).
	OrderName string

	// ProductID is empty for orphaned rows whose product reference was lost.
	ProductID string
	VariantID string

	// VendorName is never erased once set.
	VendorName string

	// EditionNumber is nil for removed rows and for active rows that have not
	// been resequenced yet.
	EditionNumber *int

	Status        Status
	RemovedReason string

	// CreatedAt is the purchase timestamp and the global ordering key.
	CreatedAt time.Time
	UpdatedAt time.Time

	CertificateURL         string
	CertificateToken       string
	CertificateGeneratedAt time.Time
}

// HasCertificate reports whether the certificate fields are populated.
func (l *LineItem) HasCertificate() bool {
	return l.CertificateToken != "" && l.CertificateURL != ""
}

// Edition returns the edition number or 0 when unset.
func (l *LineItem) Edition() int {
	if l.EditionNumber == nil {
		return 0
	}
	return *l.EditionNumber
}

// SourceLineItem is a line item as reported by the order source.
type SourceLineItem struct {
	OrderID    string
	OrderName  string
	LineItemID string
	ProductID  string
	VariantID  string
	VendorName string
	CreatedAt  time.Time
}

// Assignment is an order-source line item paired with a freshly computed
// edition number. Assignments are produced by [edition.Assign] and consumed by
// the reconciler; they are never persisted as-is.
type Assignment struct {
	SourceLineItem

	EditionNumber int

	// OverCap is true when EditionNumber exceeds the product's edition total.
	// The number is still assigned so oversold units stay traceable.
	OverCap bool
}

// ProductInfo is the catalog metadata needed to sync a product.
type ProductInfo struct {
	Title        string
	VariantIDs   []string
	EditionTotal int
}

// LineItemDetails is the per-line-item metadata used by duplicate detection.
type LineItemDetails struct {
	SKU string
}

// EditionInt returns a pointer to n, for populating EditionNumber.
func EditionInt(n int) *int {
	return &n
}

// NumericID extracts the trailing integer of an identifier such as
// "gid://shop/LineItem/1234" or "1234". ok is false when the identifier does
// not end in digits or the value overflows int64.
func NumericID(id string) (n int64, ok bool) {
	end := len(id)
	start := end
	for start > 0 && id[start-1] >= '0' && id[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.ParseInt(id[start:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// CompareLineItemIDs orders two line item identifiers numerically when both
// carry a trailing integer, and lexically otherwise. It returns -1, 0 or +1.
func CompareLineItemIDs(a, b string) int {
	na, okA := NumericID(a)
	nb, okB := NumericID(b)
	switch {
	case okA && okB:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return strings.Compare(a, b)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return strings.Compare(a, b)
	}
}
