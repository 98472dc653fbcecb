package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackQuantity(t *testing.T) {
	cases := []struct {
		name string
		want int
		ok   bool
	}{
		{"Widget - Case of 12", 12, true},
		{"CASE OF 8 Deluxe Widgets", 8, true},
		{"Gadget - 24 ct", 24, true},
		{"Gadget (24ct)", 24, true},
		{"Gizmo (6-Pack)", 6, true},
		{"Gizmo 6 Pack", 6, true},
		{"Bolts 100 pcs", 100, true},
		{"Screws - 50 count", 50, true},
		{"Plain Widget", 0, false},
		{"Octopus Toy", 0, false},
		// The ct/pack patterns require a separator before the digits, so a
		// name that IS the count does not fire.
		{"12 ct", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := PackQuantity(tc.name)
			require.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestNormalizeQuantitiesRecoversPackSize(t *testing.T) {
	data := &Data{LineItems: []LineItem{
		{ProductName: "Widget - Case of 12", Quantity: 1, UnitCost: 35.88, TotalCost: 35.88},
	}}

	fixes := NormalizeQuantities(data)
	require.Len(t, fixes, 1)
	item := data.LineItems[0]
	assert.Equal(t, 12, item.Quantity)
	assert.InDelta(t, 2.99, item.UnitCost, 0.01, "unit cost recomputed from the authoritative total")
	assert.Equal(t, 1, fixes[0].OldQuantity)
	assert.Equal(t, 12, fixes[0].NewQuantity)
}

func TestNormalizeQuantitiesLeavesExplicitCounts(t *testing.T) {
	data := &Data{LineItems: []LineItem{
		{ProductName: "Widget - Case of 12", Quantity: 5, UnitCost: 2.00, TotalCost: 10.00},
	}}

	fixes := NormalizeQuantities(data)
	assert.Empty(t, fixes, "an explicit quantity is never second-guessed")
	assert.Equal(t, 5, data.LineItems[0].Quantity)
	assert.Equal(t, 2.00, data.LineItems[0].UnitCost)
}

func TestNormalizeQuantitiesClampsBelowOne(t *testing.T) {
	data := &Data{LineItems: []LineItem{
		{ProductName: "Plain Widget", Quantity: 0, TotalCost: 4},
		{ProductName: "Gizmo (6-Pack)", Quantity: -2, TotalCost: 12},
	}}

	NormalizeQuantities(data)
	assert.Equal(t, 1, data.LineItems[0].Quantity)
	// After clamping to 1 the pack heuristic may still recover the size.
	assert.Equal(t, 6, data.LineItems[1].Quantity)
	assert.InDelta(t, 2.0, data.LineItems[1].UnitCost, 0.001)
}

func TestNormalizeQuantitiesZeroTotalKeepsUnitCost(t *testing.T) {
	data := &Data{LineItems: []LineItem{
		{ProductName: "Widget - Case of 12", Quantity: 1, UnitCost: 3.50, TotalCost: 0},
	}}

	NormalizeQuantities(data)
	assert.Equal(t, 12, data.LineItems[0].Quantity)
	assert.Equal(t, 3.50, data.LineItems[0].UnitCost, "no total to recompute from")
}

func TestNormalizeQuantitiesNilData(t *testing.T) {
	assert.Nil(t, NormalizeQuantities(nil))
}
