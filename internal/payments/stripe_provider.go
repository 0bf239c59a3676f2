package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrEventIgnored is returned for authentic webhook deliveries that do not confirm a payment.
var ErrEventIgnored = errors.New("payments: event does not confirm a payment")

const (
	stripeOrderIDKey            = "order_id"
	stripeEventPaymentSucceeded = "payment_intent.succeeded"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clients       *stripeClients
	// ConstructEvent overrides webhook verification, mainly in tests.
	ConstructEvent func(payload []byte, header, secret string) (stripe.Event, error)
}

// StripeProvider implements Provider over Stripe Payment Intents. The Payment Intent id is both
// the external order id and the transaction id.
type StripeProvider struct {
	api            stripeClients
	account        string
	webhookSecret  string
	constructEvent func(payload []byte, header, secret string) (stripe.Event, error)
	logger         StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents, refunds: sc.Refunds}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	construct := cfg.ConstructEvent
	if construct == nil {
		construct = func(payload []byte, header, secret string) (stripe.Event, error) {
			return webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
				Tolerance:                webhook.DefaultTolerance,
				IgnoreAPIVersionMismatch: true,
			})
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:            clients,
		account:        strings.TrimSpace(cfg.AccountID),
		webhookSecret:  strings.TrimSpace(cfg.WebhookSecret),
		constructEvent: construct,
		logger:         logger,
	}, nil
}

// CreateOrder opens a Payment Intent for the order total.
func (p *StripeProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (ExternalOrder, error) {
	if req.OrderID <= 0 {
		return ExternalOrder{}, errors.New("stripe: order id is required")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	params.SetIdempotencyKey(key)
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	params.Metadata = map[string]string{stripeOrderIDKey: strconv.FormatInt(req.OrderID, 10)}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return ExternalOrder{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
	})
	return ExternalOrder{
		Provider:     ProviderStripe,
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       FromMinorUnits(intent.Amount),
		Currency:     strings.ToUpper(string(intent.Currency)),
	}, nil
}

// VerifyPayment authenticates a confirmation. Webhook deliveries are checked against the
// signing secret; client confirmations are checked by reading the intent back from Stripe.
func (p *StripeProvider) VerifyPayment(ctx context.Context, req VerifyRequest) (VerifiedPayment, error) {
	if len(req.Payload) > 0 {
		return p.verifyWebhook(ctx, req)
	}

	intentID := strings.TrimSpace(req.ExternalOrderID)
	if intentID == "" {
		intentID = strings.TrimSpace(req.TransactionID)
	}
	if intentID == "" {
		return VerifiedPayment{}, fmt.Errorf("%w: payment intent id missing", ErrSignatureInvalid)
	}
	if txn := strings.TrimSpace(req.TransactionID); txn != "" && txn != intentID {
		return VerifiedPayment{}, fmt.Errorf("%w: transaction does not belong to payment intent", ErrSignatureInvalid)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("payment_method")
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return VerifiedPayment{}, fmt.Errorf("%w: unknown payment intent", ErrSignatureInvalid)
		}
		return VerifiedPayment{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return verifiedFromIntent(intent, req.OrderID)
}

func (p *StripeProvider) verifyWebhook(ctx context.Context, req VerifyRequest) (VerifiedPayment, error) {
	if p.webhookSecret == "" {
		return VerifiedPayment{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := p.constructEvent(req.Payload, req.Signature, p.webhookSecret)
	if err != nil {
		return VerifiedPayment{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if string(event.Type) != stripeEventPaymentSucceeded || event.Data == nil {
		p.logger(ctx, "payments.stripe.webhook.ignored", map[string]any{"eventId": event.ID, "type": string(event.Type)})
		return VerifiedPayment{}, ErrEventIgnored
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return VerifiedPayment{}, fmt.Errorf("stripe: decode webhook payment intent: %w", err)
	}
	return verifiedFromIntent(&intent, req.OrderID)
}

// Refund refunds part or all of a Payment Intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.TransactionID)}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount.IsPositive() {
		params.Amount = stripe.Int64(ToMinorUnits(req.Amount))
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	refund, err := p.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.TransactionID,
		"refund":        refund.ID,
	})
	return RefundResult{
		Reference: refund.ID,
		Amount:    FromMinorUnits(refund.Amount),
		Status:    string(refund.Status),
	}, nil
}

func verifiedFromIntent(intent *stripe.PaymentIntent, expectedOrderID int64) (VerifiedPayment, error) {
	if intent == nil || intent.ID == "" {
		return VerifiedPayment{}, fmt.Errorf("%w: empty payment intent", ErrSignatureInvalid)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return VerifiedPayment{}, fmt.Errorf("%w: payment intent status %s", ErrSignatureInvalid, intent.Status)
	}
	orderID, _ := strconv.ParseInt(intent.Metadata[stripeOrderIDKey], 10, 64)
	if expectedOrderID > 0 && orderID != expectedOrderID {
		return VerifiedPayment{}, fmt.Errorf("%w: payment intent belongs to another order", ErrSignatureInvalid)
	}
	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	return VerifiedPayment{
		Provider:        ProviderStripe,
		OrderID:         orderID,
		ExternalOrderID: intent.ID,
		TransactionID:   intent.ID,
		Amount:          FromMinorUnits(amount),
		Currency:        strings.ToUpper(string(intent.Currency)),
		Method:          stripePaymentMethod(intent),
	}, nil
}

func stripePaymentMethod(intent *stripe.PaymentIntent) string {
	if intent.PaymentMethod != nil && intent.PaymentMethod.Type != "" {
		return string(intent.PaymentMethod.Type)
	}
	if len(intent.PaymentMethodTypes) > 0 {
		return intent.PaymentMethodTypes[0]
	}
	return "card"
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer), "cancellation":
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
