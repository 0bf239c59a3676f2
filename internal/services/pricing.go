package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
)

var (
	defaultFreeShippingThreshold = decimal.NewFromInt(500)
	defaultShippingFlatRate      = decimal.NewFromInt(150)
)

// ShippingRules configures the flat shipping charge and the subtotal that waives it.
type ShippingRules struct {
	FreeShippingThreshold decimal.Decimal
	FlatRate              decimal.Decimal
}

// DefaultShippingRules returns free shipping from 500 and a flat rate of 150 below it.
func DefaultShippingRules() ShippingRules {
	return ShippingRules{
		FreeShippingThreshold: defaultFreeShippingThreshold,
		FlatRate:              defaultShippingFlatRate,
	}
}

// PriceQuote holds the computed order amounts. Total always equals Subtotal plus Shipping.
type PriceQuote struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Quote prices the given line items.
func (r ShippingRules) Quote(items []domain.OrderItem) PriceQuote {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal())
	}
	shipping := r.FlatRate
	if subtotal.GreaterThanOrEqual(r.FreeShippingThreshold) {
		shipping = decimal.Zero
	}
	return PriceQuote{
		Subtotal: subtotal,
		Shipping: shipping,
		Total:    subtotal.Add(shipping),
	}
}
