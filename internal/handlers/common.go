package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const maxJSONBodySize = 16 * 1024

// actorFromRequest converts the asserted identity into a service actor. Requests without an
// identity are treated as guests.
func actorFromRequest(r *http.Request) services.Actor {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.IsGuest() {
		return services.Actor{Role: domain.ActorRoleGuest}
	}
	return services.Actor{
		ID:    strings.TrimSpace(identity.UID),
		Email: strings.TrimSpace(identity.Email),
		Name:  strings.TrimSpace(identity.Name),
		Role:  domain.ActorRole(identity.PrimaryRole()),
	}
}

func int64Param(r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst, maxJSONBodySize); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeInvalid(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

// writeServiceError maps service sentinels onto the HTTP envelope. Gateway details never reach the client.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var transition *services.TransitionError
	switch {
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"current_status": string(transition.From), "requested_status": string(transition.To)}))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSignatureInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "payment verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrDuplicateRequest):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "operation not permitted", http.StatusForbidden))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrGatewayError):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

type popupPayload struct {
	Event   string `json:"event"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

func buildPopup(p *services.PopupPayload) *popupPayload {
	if p == nil {
		return nil
	}
	return &popupPayload{
		Event:   string(p.Event),
		Title:   p.Title,
		Message: p.Message,
		Level:   string(p.Level),
	}
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

func (a addressPayload) toDomain() services.Address {
	return services.Address{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

type orderItemPayload struct {
	BookID    int64  `json:"book_id"`
	Title     string `json:"title"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Total     string `json:"total"`
}

type orderPayload struct {
	ID               int64              `json:"id"`
	UserID           string             `json:"user_id,omitempty"`
	GuestName        string             `json:"guest_name,omitempty"`
	GuestEmail       string             `json:"guest_email,omitempty"`
	AddressID        *int64             `json:"address_id,omitempty"`
	ShippingAddress  *addressPayload    `json:"shipping_address,omitempty"`
	Status           string             `json:"status"`
	Origin           string             `json:"origin"`
	Currency         string             `json:"currency"`
	Subtotal         string             `json:"subtotal"`
	Shipping         string             `json:"shipping"`
	Total            string             `json:"total"`
	Items            []orderItemPayload `json:"items"`
	ExternalOrderID  string             `json:"external_order_id,omitempty"`
	CancelledBy      string             `json:"cancelled_by,omitempty"`
	PaymentExpiresAt string             `json:"payment_expires_at,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at,omitempty"`
	ShippedAt        string             `json:"shipped_at,omitempty"`
	DeliveredAt      string             `json:"delivered_at,omitempty"`
	CancelledAt      string             `json:"cancelled_at,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		GuestName:        order.GuestName,
		GuestEmail:       order.GuestEmail,
		AddressID:        order.AddressID,
		Status:           string(order.Status),
		Origin:           string(order.Origin),
		Currency:         strings.ToUpper(order.Currency),
		Subtotal:         formatAmount(order.Subtotal),
		Shipping:         formatAmount(order.Shipping),
		Total:            formatAmount(order.Total),
		Items:            make([]orderItemPayload, 0, len(order.Items)),
		ExternalOrderID:  order.ExternalOrderID,
		CancelledBy:      order.CancelledBy,
		PaymentExpiresAt: formatTime(pointerTime(order.PaymentExpiresAt)),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		ShippedAt:        formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:      formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:      formatTime(pointerTime(order.CancelledAt)),
	}
	if order.UserID != nil {
		payload.UserID = *order.UserID
	}
	if order.ShippingAddress != nil {
		addr := buildAddressPayload(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			BookID:    item.BookID,
			Title:     item.Title,
			UnitPrice: formatAmount(item.UnitPrice),
			Quantity:  item.Quantity,
			Total:     formatAmount(item.LineTotal()),
		})
	}
	return payload
}

type paymentPayload struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"order_id"`
	TransactionID   string `json:"transaction_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Method          string `json:"method,omitempty"`
	Status          string `json:"status"`
	Mode            string `json:"mode"`
	RefundReference string `json:"refund_reference,omitempty"`
	RefundedAmount  string `json:"refunded_amount,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func buildPaymentPayload(p services.Payment) paymentPayload {
	payload := paymentPayload{
		ID:              p.ID,
		OrderID:         p.OrderID,
		TransactionID:   p.TransactionID,
		Amount:          formatAmount(p.Amount),
		Currency:        strings.ToUpper(p.Currency),
		Method:          p.Method,
		Status:          string(p.Status),
		Mode:            string(p.Mode),
		RefundReference: p.RefundReference,
		CreatedAt:       formatTime(p.CreatedAt),
	}
	if !p.RefundedAmount.IsZero() {
		payload.RefundedAmount = formatAmount(p.RefundedAmount)
	}
	return payload
}

type cancellationPayload struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"order_id"`
	UserID          string `json:"user_id"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes,omitempty"`
	Status          string `json:"status"`
	RefundAmount    string `json:"refund_amount,omitempty"`
	RefundMethod    string `json:"refund_method,omitempty"`
	RefundReference string `json:"refund_reference,omitempty"`
	AdminNotes      string `json:"admin_notes,omitempty"`
	ProcessedBy     string `json:"processed_by,omitempty"`
	RequestedAt     string `json:"requested_at"`
	ProcessedAt     string `json:"processed_at,omitempty"`
}

func buildCancellationPayload(req services.CancellationRequest) cancellationPayload {
	payload := cancellationPayload{
		ID:              req.ID,
		OrderID:         req.OrderID,
		UserID:          req.UserID,
		Reason:          req.Reason,
		Notes:           req.Notes,
		Status:          string(req.Status),
		RefundMethod:    req.RefundMethod,
		RefundReference: req.RefundReference,
		AdminNotes:      req.AdminNotes,
		ProcessedBy:     req.ProcessedBy,
		RequestedAt:     formatTime(req.RequestedAt),
		ProcessedAt:     formatTime(pointerTime(req.ProcessedAt)),
	}
	if req.RefundAmount != nil {
		payload.RefundAmount = formatAmount(*req.RefundAmount)
	}
	return payload
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(raw))
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
