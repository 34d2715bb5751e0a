package sync

import "github.com/njoerd114/editionsync/internal/model"

// Removal reasons recorded on retired duplicates, in test priority order.
const (
	ReasonNullProduct      = "Duplicate with null product_id"
	ReasonMissingSKU       = "Duplicate with missing SKU"
	ReasonIncorrectProduct = "Duplicate with incorrect product_id"
	ReasonLowerID          = "Duplicate line item (lower ID)"
)

// Candidate is one row of a duplicate group together with its enriched SKU.
type Candidate struct {
	Row *model.LineItem
	SKU string
}

// Rule narrows a duplicate group towards its canonical survivor.
type Rule int

const (
	// RuleValidProductAndSKU keeps rows whose product matches the target and
	// whose SKU is known.
	RuleValidProductAndSKU Rule = iota + 1
	// RuleHighestLineItemID keeps the row with the numerically highest line
	// item ID, the most recently assigned record.
	RuleHighestLineItemID
)

// DefaultRules is the survivor policy applied by [Deduplicator].
var DefaultRules = []Rule{RuleValidProductAndSKU, RuleHighestLineItemID}

// String returns the rule name.
func (r Rule) String() string {
	switch r {
	case RuleValidProductAndSKU:
		return "ValidProductAndSku"
	case RuleHighestLineItemID:
		return "HighestLineItemId"
	default:
		return "Unknown"
	}
}

// apply returns the candidates that pass the rule.
func (r Rule) apply(productID string, cs []Candidate) []Candidate {
	switch r {
	case RuleValidProductAndSKU:
		var out []Candidate
		for _, c := range cs {
			if validProductAndSKU(productID, c) {
				out = append(out, c)
			}
		}
		return out
	case RuleHighestLineItemID:
		if len(cs) == 0 {
			return nil
		}
		best := cs[0]
		for _, c := range cs[1:] {
			if model.CompareLineItemIDs(c.Row.LineItemID, best.Row.LineItemID) > 0 {
				best = c
			}
		}
		return []Candidate{best}
	default:
		return cs
	}
}

func validProductAndSKU(productID string, c Candidate) bool {
	return c.Row.ProductID == productID && c.SKU != ""
}

// SelectSurvivor applies rules in order, each narrowing the set left by the
// previous one. A rule that would eliminate every candidate is skipped. If
// more than one candidate remains after all rules, the first (in group
// order) wins. cs must not be empty.
func SelectSurvivor(productID string, cs []Candidate, rules []Rule) Candidate {
	set := cs
	for _, rule := range rules {
		if narrowed := rule.apply(productID, set); len(narrowed) > 0 {
			set = narrowed
		}
	}
	return set[0]
}

// RemovalReason classifies why a non-surviving candidate is a duplicate by
// re-testing it against the survivor predicates. The first match wins.
func RemovalReason(productID string, c Candidate) string {
	switch {
	case c.Row.ProductID == "":
		return ReasonNullProduct
	case c.SKU == "":
		return ReasonMissingSKU
	case c.Row.ProductID != productID:
		return ReasonIncorrectProduct
	default:
		return ReasonLowerID
	}
}
