// Package edition computes edition numbers from order-source line items.
//
// Assignment is pure: it performs no I/O and never touches the store. The
// numbers it produces are candidates only; the resequencer in package sync is
// the single writer of persisted edition numbers.
package edition

import (
	"slices"

	"github.com/njoerd114/editionsync/internal/model"
)

// Assign sorts items by CreatedAt ascending and numbers them 1..len(items).
// Items sharing a CreatedAt keep their feed order. Numbers beyond editionTotal
// are still assigned and flagged with OverCap; a non-positive editionTotal
// means the product is uncapped.
func Assign(items []model.SourceLineItem, editionTotal int) []model.Assignment {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b model.SourceLineItem) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	out := make([]model.Assignment, len(sorted))
	for i, item := range sorted {
		n := i + 1
		out[i] = model.Assignment{
			SourceLineItem: item,
			EditionNumber:  n,
			OverCap:        editionTotal > 0 && n > editionTotal,
		}
	}
	return out
}

// Summary reports how a set of assignments relates to the edition cap.
type Summary struct {
	Assigned  int
	WithinCap int
	OverCap   int
}

// Summarize counts assignments within and beyond the cap.
func Summarize(assignments []model.Assignment) Summary {
	s := Summary{Assigned: len(assignments)}
	for _, a := range assignments {
		if a.OverCap {
			s.OverCap++
		} else {
			s.WithinCap++
		}
	}
	return s
}
