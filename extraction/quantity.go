package extraction

import (
	"regexp"
	"strconv"
)

// Product names routinely encode the real pack size while the model
// reports quantity 1: "Widget - Case of 12", "Gadget — 24 ct",
// "Gizmo (6-Pack)". When the extracted quantity is exactly 1 and a pattern
// matches, the captured count replaces it and the unit cost is recomputed
// from the authoritative total.
var packPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Case of (\d+)`),
	regexp.MustCompile(`(?i)[\-\(\s](\d+)\s*ct\b`),
	regexp.MustCompile(`(?i)[\-\(\s](\d+)\s*-?\s*(?:Pack|pcs|count)\b`),
}

// PackQuantity extracts a pack size from a product name, with ok=false
// when no pattern matches.
func PackQuantity(productName string) (int, bool) {
	for _, re := range packPatterns {
		m := re.FindStringSubmatch(productName)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		return n, true
	}
	return 0, false
}

// QuantityFix records one applied heuristic for the audit trail.
type QuantityFix struct {
	Index       int     `json:"index"`
	ProductName string  `json:"productName"`
	OldQuantity int     `json:"oldQuantity"`
	NewQuantity int     `json:"newQuantity"`
	NewUnitCost float64 `json:"newUnitCost"`
}

// NormalizeQuantities applies the pack heuristics in place and returns the
// fixes made. Quantities below 1 are clamped to 1 first; the heuristic
// itself only fires on quantity == 1, never on an explicit count.
func NormalizeQuantities(data *Data) []QuantityFix {
	if data == nil {
		return nil
	}
	var fixes []QuantityFix
	for i := range data.LineItems {
		item := &data.LineItems[i]
		if item.Quantity < 1 {
			item.Quantity = 1
		}
		if item.Quantity != 1 {
			continue
		}
		n, ok := PackQuantity(item.ProductName)
		if !ok || n == 1 {
			continue
		}

		item.Quantity = n
		if item.TotalCost > 0 {
			item.UnitCost = item.TotalCost / float64(n)
		}
		fixes = append(fixes, QuantityFix{
			Index:       i,
			ProductName: item.ProductName,
			OldQuantity: 1,
			NewQuantity: n,
			NewUnitCost: item.UnitCost,
		})
	}
	return fixes
}
