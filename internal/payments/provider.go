package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	ProviderStripe  = "stripe"
	ProviderOffline = "offline"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrSignatureInvalid is returned when confirmation material does not verify against the gateway.
	ErrSignatureInvalid = errors.New("payments: signature verification failed")
)

// CreateOrderRequest asks the gateway to open a payable order for a local order.
type CreateOrderRequest struct {
	OrderID        int64
	Amount         decimal.Decimal
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
	Metadata       map[string]string
}

// ExternalOrder is the gateway-side reference the client uses to pay.
type ExternalOrder struct {
	Provider     string
	ID           string
	ClientSecret string
	Amount       decimal.Decimal
	Currency     string
}

// VerifyRequest carries the confirmation material to check. Payload is set when verifying a
// raw webhook delivery, in which case Signature holds the delivery signature header.
type VerifyRequest struct {
	OrderID         int64
	ExternalOrderID string
	TransactionID   string
	Signature       string
	Payload         []byte
}

// VerifiedPayment is the gateway's authenticated view of a completed payment.
type VerifiedPayment struct {
	Provider        string
	OrderID         int64
	ExternalOrderID string
	TransactionID   string
	Amount          decimal.Decimal
	Currency        string
	Method          string
}

// RefundRequest defines a gateway refund attempt.
type RefundRequest struct {
	TransactionID  string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult reports the gateway's refund reference.
type RefundResult struct {
	Reference string
	Amount    decimal.Decimal
	Status    string
}

// Provider defines the contract for gateway adapters to implement.
type Provider interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (ExternalOrder, error)
	VerifyPayment(ctx context.Context, req VerifyRequest) (VerifiedPayment, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap[ProviderStripe]; ok {
		m.defaultProvider = ProviderStripe
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		if key, ok := m.currencyRoutes[currency]; ok {
			key = strings.TrimSpace(strings.ToLower(key))
			if p, ok := m.providers[key]; ok {
				return key, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateOrder delegates to the resolved provider.
func (m *Manager) CreateOrder(ctx context.Context, paymentCtx PaymentContext, req CreateOrderRequest) (ExternalOrder, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return ExternalOrder{}, err
	}
	order, err := provider.CreateOrder(ctx, req)
	if err != nil {
		return ExternalOrder{}, err
	}
	order.Provider = key
	return order, nil
}

// VerifyPayment delegates to the resolved provider.
func (m *Manager) VerifyPayment(ctx context.Context, paymentCtx PaymentContext, req VerifyRequest) (VerifiedPayment, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return VerifiedPayment{}, err
	}
	verified, err := provider.VerifyPayment(ctx, req)
	if err != nil {
		return VerifiedPayment{}, err
	}
	verified.Provider = key
	return verified, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (RefundResult, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RefundResult{}, err
	}
	return provider.Refund(ctx, req)
}

// ToMinorUnits converts a decimal amount to the integer minor units gateways expect.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts gateway minor units back to a decimal amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
