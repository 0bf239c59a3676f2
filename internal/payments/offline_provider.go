package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OfflineProvider is a self-hosted gateway for local development and counter sales. Payments are
// confirmed with an HMAC-SHA256 signature over "externalOrderID|transactionID".
type OfflineProvider struct {
	secret []byte
}

// NewOfflineProvider constructs an OfflineProvider keyed by secret.
func NewOfflineProvider(secret string) (*OfflineProvider, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("offline gateway: signing secret is required")
	}
	return &OfflineProvider{secret: []byte(secret)}, nil
}

// Sign returns the signature a payer must present for the given references.
func (p *OfflineProvider) Sign(externalOrderID, transactionID string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(externalOrderID + "|" + transactionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateOrder issues a local reference for the order.
func (p *OfflineProvider) CreateOrder(_ context.Context, req CreateOrderRequest) (ExternalOrder, error) {
	if req.OrderID <= 0 {
		return ExternalOrder{}, errors.New("offline gateway: order id is required")
	}
	return ExternalOrder{
		Provider: ProviderOffline,
		ID:       fmt.Sprintf("off_%d_%s", req.OrderID, strings.ReplaceAll(uuid.NewString(), "-", "")),
		Amount:   req.Amount,
		Currency: strings.ToUpper(req.Currency),
	}, nil
}

// VerifyPayment checks the HMAC signature in constant time.
func (p *OfflineProvider) VerifyPayment(_ context.Context, req VerifyRequest) (VerifiedPayment, error) {
	if len(req.Payload) > 0 {
		return VerifiedPayment{}, fmt.Errorf("%w: offline gateway does not deliver webhooks", ErrSignatureInvalid)
	}
	externalID := strings.TrimSpace(req.ExternalOrderID)
	txnID := strings.TrimSpace(req.TransactionID)
	if externalID == "" || txnID == "" || req.Signature == "" {
		return VerifiedPayment{}, fmt.Errorf("%w: incomplete signature material", ErrSignatureInvalid)
	}
	expected := p.Sign(externalID, txnID)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(req.Signature)))) {
		return VerifiedPayment{}, ErrSignatureInvalid
	}
	return VerifiedPayment{
		Provider:        ProviderOffline,
		OrderID:         req.OrderID,
		ExternalOrderID: externalID,
		TransactionID:   txnID,
		Method:          "manual",
	}, nil
}

// Refund records a local refund reference; money movement happens out of band.
func (p *OfflineProvider) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return RefundResult{}, errors.New("offline gateway: transaction id is required")
	}
	return RefundResult{
		Reference: "off_rf_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Amount:    req.Amount,
		Status:    "succeeded",
	}, nil
}
