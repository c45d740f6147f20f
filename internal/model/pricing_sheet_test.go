package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSheet() *PricingSheet {
	return &PricingSheet{
		ID:       "sheet-1",
		TenderID: "tender-9",
		Title:    "Foundations",
		Currency: "EUR",
		Markup:   0.1,
		Lines: []PriceLine{
			{Code: "C-01", Unit: "m3", Quantity: 12, UnitPrice: 95.5},
			{Code: "R-02", Unit: "t", Quantity: 1.5, UnitPrice: 820},
		},
	}
}

func TestPricingSheetTotal(t *testing.T) {
	sheet := validSheet()

	assert.InDelta(t, 2376.0, sheet.Subtotal(), 0.0001)
	assert.InDelta(t, 2613.6, sheet.Total(), 0.0001)
}

func TestPricingSheetValidate(t *testing.T) {
	require.NoError(t, validSheet().Validate())

	sheet := validSheet()
	sheet.Currency = "EURO"
	err := sheet.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSheet))

	sheet = validSheet()
	sheet.Lines[1].Quantity = -1
	assert.ErrorIs(t, sheet.Validate(), ErrInvalidSheet)
}
