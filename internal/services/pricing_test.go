package services

import (
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
)

func TestShippingRulesQuote(t *testing.T) {
	rules := DefaultShippingRules()

	cases := []struct {
		name     string
		items    []domain.OrderItem
		subtotal string
		shipping string
		total    string
	}{
		{
			name:     "below threshold pays flat rate",
			items:    []domain.OrderItem{{UnitPrice: decimal.NewFromInt(100), Quantity: 2}},
			subtotal: "200",
			shipping: "150",
			total:    "350",
		},
		{
			name:     "threshold reached ships free",
			items:    []domain.OrderItem{{UnitPrice: decimal.NewFromInt(250), Quantity: 2}},
			subtotal: "500",
			shipping: "0",
			total:    "500",
		},
		{
			name: "fractional prices",
			items: []domain.OrderItem{
				{UnitPrice: decimal.RequireFromString("199.99"), Quantity: 1},
				{UnitPrice: decimal.RequireFromString("0.01"), Quantity: 1},
			},
			subtotal: "200",
			shipping: "150",
			total:    "350",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote := rules.Quote(tc.items)
			if !quote.Subtotal.Equal(decimal.RequireFromString(tc.subtotal)) {
				t.Fatalf("expected subtotal %s, got %s", tc.subtotal, quote.Subtotal)
			}
			if !quote.Shipping.Equal(decimal.RequireFromString(tc.shipping)) {
				t.Fatalf("expected shipping %s, got %s", tc.shipping, quote.Shipping)
			}
			if !quote.Total.Equal(quote.Subtotal.Add(quote.Shipping)) || !quote.Total.Equal(decimal.RequireFromString(tc.total)) {
				t.Fatalf("expected total %s, got %s", tc.total, quote.Total)
			}
		})
	}
}
