package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

type fakeProvider struct {
	lastOp   string
	order    ExternalOrder
	verified VerifiedPayment
	refund   RefundResult
	err      error
}

func (f *fakeProvider) CreateOrder(context.Context, CreateOrderRequest) (ExternalOrder, error) {
	f.lastOp = "create"
	return f.order, f.err
}

func (f *fakeProvider) VerifyPayment(context.Context, VerifyRequest) (VerifiedPayment, error) {
	f.lastOp = "verify"
	return f.verified, f.err
}

func (f *fakeProvider) Refund(context.Context, RefundRequest) (RefundResult, error) {
	f.lastOp = "refund"
	return f.refund, f.err
}

func TestManagerCreateOrderUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{order: ExternalOrder{ID: "pi_1"}}
	offline := &fakeProvider{order: ExternalOrder{ID: "off_1"}}

	mgr, err := NewManager(map[string]Provider{ProviderStripe: stripe, ProviderOffline: offline})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	order, err := mgr.CreateOrder(ctx, PaymentContext{PreferredProvider: "offline"}, CreateOrderRequest{OrderID: 1})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Provider != ProviderOffline || order.ID != "off_1" {
		t.Fatalf("unexpected external order %#v", order)
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{}
	offline := &fakeProvider{verified: VerifiedPayment{TransactionID: "txn"}}

	mgr, err := NewManager(
		map[string]Provider{ProviderStripe: stripe, ProviderOffline: offline},
		WithCurrencyRoutes(map[string]string{"inr": ProviderOffline}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	verified, err := mgr.VerifyPayment(ctx, PaymentContext{Currency: "INR"}, VerifyRequest{TransactionID: "txn"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Provider != ProviderOffline || offline.lastOp != "verify" {
		t.Fatalf("expected offline provider to verify, got %#v", verified)
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	stripe := &fakeProvider{refund: RefundResult{Reference: "re_1"}}
	mgr, err := NewManager(map[string]Provider{ProviderStripe: stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	result, err := mgr.Refund(context.Background(), PaymentContext{}, RefundRequest{TransactionID: "pi_1"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if stripe.lastOp != "refund" || result.Reference != "re_1" {
		t.Fatalf("expected default provider refund, got %#v", result)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{ProviderStripe: &fakeProvider{}, ProviderOffline: &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = mgr.CreateOrder(context.Background(), PaymentContext{PreferredProvider: "unknown"}, CreateOrderRequest{OrderID: 1})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}

func TestMinorUnitConversion(t *testing.T) {
	if got := ToMinorUnits(decimal.RequireFromString("400.50")); got != 40050 {
		t.Fatalf("expected 40050, got %d", got)
	}
	if got := FromMinorUnits(15000); !got.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected 150, got %s", got)
	}
}
