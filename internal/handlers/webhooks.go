package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/platform/requestctx"
	"github.com/bookhaven/api/internal/services"
)

const (
	maxWebhookBodySize    = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

type webhookAck struct {
	Received bool   `json:"received"`
	Ignored  bool   `json:"ignored,omitempty"`
	OrderID  int64  `json:"order_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

// WebhookHandlers receives payment gateway deliveries and forwards them to the finalizer.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		writeInvalid(ctx, w, "unable to read body")
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	if len(payload) == 0 {
		writeInvalid(ctx, w, "empty payload")
		return
	}

	result, err := h.payments.FinalizePayment(ctx, services.FinalizePaymentCommand{
		Actor:     services.Actor{ID: "stripe-webhook", Role: domain.ActorRoleSystem},
		Signature: r.Header.Get(stripeSignatureHeader),
		Payload:   payload,
		Provider:  payments.ProviderStripe,
	})
	switch {
	case errors.Is(err, services.ErrWebhookIgnored):
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Ignored: true})
		return
	case err != nil:
		requestctx.Logger(ctx).Sugar().Warnw("stripe webhook rejected", "error", err)
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookAck{
		Received: true,
		OrderID:  result.Order.ID,
		Status:   string(result.Order.Status),
	})
}
