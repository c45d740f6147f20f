// Package model defines domain models and data structures.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PricingSheet is the editable price breakdown attached to a tender.
type PricingSheet struct {
	ID        string      `json:"id"         validate:"required"`
	TenderID  string      `json:"tender_id"  validate:"required"`
	Title     string      `json:"title"      validate:"required"`
	Currency  string      `json:"currency"   validate:"required,len=3"`
	Markup    float64     `json:"markup"     validate:"gte=0"`
	Lines     []PriceLine `json:"lines"      validate:"dive"`
	Notes     string      `json:"notes"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PriceLine is a single priced item of a pricing sheet.
type PriceLine struct {
	Code        string  `json:"code"        validate:"required"`
	Description string  `json:"description"`
	Unit        string  `json:"unit"        validate:"required"`
	Quantity    float64 `json:"quantity"    validate:"gte=0"`
	UnitPrice   float64 `json:"unit_price"  validate:"gte=0"`
}

// Amount returns quantity times unit price.
func (l PriceLine) Amount() float64 {
	return l.Quantity * l.UnitPrice
}

// Subtotal returns the sum of all line amounts before markup.
func (s *PricingSheet) Subtotal() float64 {
	var sum float64
	for _, line := range s.Lines {
		sum += line.Amount()
	}

	return sum
}

// Total returns the subtotal with markup applied, rounded to cents.
func (s *PricingSheet) Total() float64 {
	total := s.Subtotal() * (1 + s.Markup)
	return math.Round(total*centsPerUnit) / centsPerUnit
}

// Validate validates the pricing sheet.
func (s *PricingSheet) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSheet, err)
	}

	return nil
}

const centsPerUnit = 100

// Project carries the budget a published pricing sheet is rolled into.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Budget    float64   `json:"budget"`
	UpdatedAt time.Time `json:"updated_at"`
}
