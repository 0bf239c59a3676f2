package payments

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOfflineProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider, err := NewOfflineProvider("local-secret")
	if err != nil {
		t.Fatalf("NewOfflineProvider: %v", err)
	}

	order, err := provider.CreateOrder(ctx, CreateOrderRequest{OrderID: 5, Amount: decimal.NewFromInt(400), Currency: "inr"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !strings.HasPrefix(order.ID, "off_5_") || order.Currency != "INR" {
		t.Fatalf("unexpected external order %#v", order)
	}

	signature := provider.Sign(order.ID, "pay_123")
	verified, err := provider.VerifyPayment(ctx, VerifyRequest{OrderID: 5, ExternalOrderID: order.ID, TransactionID: "pay_123", Signature: signature})
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if verified.TransactionID != "pay_123" || verified.OrderID != 5 {
		t.Fatalf("unexpected verification %#v", verified)
	}
}

func TestOfflineProviderRejectsTamperedSignature(t *testing.T) {
	provider, _ := NewOfflineProvider("local-secret")
	other, _ := NewOfflineProvider("other-secret")

	cases := []VerifyRequest{
		{ExternalOrderID: "off_1", TransactionID: "pay_1", Signature: other.Sign("off_1", "pay_1")},
		{ExternalOrderID: "off_1", TransactionID: "pay_2", Signature: provider.Sign("off_1", "pay_1")},
		{ExternalOrderID: "off_1", TransactionID: "pay_1"},
		{Payload: []byte("{}"), Signature: "x"},
	}
	for i, req := range cases {
		if _, err := provider.VerifyPayment(context.Background(), req); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("case %d: expected ErrSignatureInvalid, got %v", i, err)
		}
	}
}

func TestOfflineProviderRequiresSecret(t *testing.T) {
	if _, err := NewOfflineProvider("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
