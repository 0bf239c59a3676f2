package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/platform/pagination"
	"github.com/bookhaven/api/internal/services"
)

var orderStatusFilterValues = []string{
	string(domain.OrderStatusPending),
	string(domain.OrderStatusPaid),
	string(domain.OrderStatusProcessing),
	string(domain.OrderStatusShipped),
	string(domain.OrderStatusDelivered),
	string(domain.OrderStatusCancelled),
	string(domain.OrderStatusFailed),
	string(domain.OrderStatusRefunded),
	string(domain.OrderStatusPartiallyRefunded),
	string(domain.OrderStatusExpired),
}

type placeOrderLine struct {
	BookID   int64 `json:"book_id"`
	Quantity int   `json:"quantity"`
}

type placeOrderRequest struct {
	AddressID       *int64           `json:"address_id"`
	ShippingAddress *addressPayload  `json:"shipping_address"`
	GuestName       string           `json:"guest_name"`
	GuestEmail      string           `json:"guest_email"`
	Items           []placeOrderLine `json:"items"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type cancellationRequestBody struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type gatewayOrderRequest struct {
	Provider string `json:"provider"`
}

type finalizePaymentRequest struct {
	ExternalOrderID string `json:"external_order_id"`
	TransactionID   string `json:"transaction_id"`
	Signature       string `json:"signature"`
	Provider        string `json:"provider"`
}

type orderResponse struct {
	Order orderPayload  `json:"order"`
	Popup *popupPayload `json:"popup,omitempty"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type gatewayOrderResponse struct {
	Provider     string `json:"provider"`
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

type paymentResponse struct {
	Payment paymentPayload `json:"payment"`
	Order   orderPayload   `json:"order"`
	Created bool           `json:"created"`
	Popup   *popupPayload  `json:"popup,omitempty"`
}

type cancellationResponse struct {
	Request cancellationPayload `json:"request"`
	Popup   *popupPayload       `json:"popup,omitempty"`
}

// OrderHandlers exposes customer-facing order, payment and cancellation endpoints.
type OrderHandlers struct {
	orders        services.OrderService
	payments      services.PaymentService
	cancellations services.CancellationService
	placeLimiter  rateLimiter
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithPlacementRateLimit caps order placements and cancellation requests per caller. Signed-in
// users are keyed by id and guests by client address.
func WithPlacementRateLimit(limit int, window time.Duration, clock func() time.Time) OrderOption {
	return func(h *OrderHandlers) {
		h.placeLimiter = newWindowRateLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, payments services.PaymentService, cancellations services.CancellationService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		orders:        orders,
		payments:      payments,
		cancellations: cancellations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.placeOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}/cancellation-requests", h.requestCancellation)
	r.Post("/{orderID}/payments:gateway-order", h.createGatewayOrder)
	r.Post("/{orderID}/payments:finalize", h.finalizePayment)
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !enforceRateLimit(w, r, h.placeLimiter) {
		return
	}
	var req placeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeInvalid(ctx, w, "items are required")
		return
	}

	cmd := services.PlaceOrderCommand{
		Actor:      actorFromRequest(r),
		AddressID:  req.AddressID,
		GuestName:  req.GuestName,
		GuestEmail: req.GuestEmail,
		Items:      make([]services.CartLine, 0, len(req.Items)),
	}
	if req.ShippingAddress != nil {
		addr := req.ShippingAddress.toDomain()
		cmd.ShippingAddress = &addr
	}
	for _, line := range req.Items {
		cmd.Items = append(cmd.Items, services.CartLine{BookID: line.BookID, Quantity: line.Quantity})
	}

	result, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(result.Order), Popup: buildPopup(result.Popup)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{
		AllowedFilters: map[string][]string{"status": orderStatusFilterValues},
	})
	if err != nil {
		writeInvalid(ctx, w, err.Error())
		return
	}

	cmd := services.ListOrdersCommand{
		Actor:      actorFromRequest(r),
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	for _, status := range params.Filters["status"] {
		cmd.Status = append(cmd.Status, domain.OrderStatus(status))
	}

	page, err := h.orders.ListOrders(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{Items: items, NextPageToken: strings.TrimSpace(page.NextPageToken)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := int64Param(r, "orderID")
	if !ok {
		writeInvalid(ctx, w, "order id must be a positive integer")
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{Actor: actorFromRequest(r), OrderID: orderID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := int64Param(r, "orderID")
	if !ok {
		writeInvalid(ctx, w, "order id must be a positive integer")
		return
	}
	var req cancelOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.orders.CancelByUser(ctx, services.CancelOrderCommand{
		Actor:   actorFromRequest(r),
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(result.Order), Popup: buildPopup(result.Popup)})
}

func (h *OrderHandlers) requestCancellation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cancellations == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cancellation_service_unavailable", "cancellation service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := int64Param(r, "orderID")
	if !ok {
		writeInvalid(ctx, w, "order id must be a positive integer")
		return
	}
	if !enforceRateLimit(w, r, h.placeLimiter) {
		return
	}
	var req cancellationRequestBody
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.cancellations.RequestCancellation(ctx, services.RequestCancellationCommand{
		Actor:   actorFromRequest(r),
		OrderID: orderID,
		Reason:  req.Reason,
		Notes:   req.Notes,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, cancellationResponse{Request: buildCancellationPayload(result.Request), Popup: buildPopup(result.Popup)})
}

func (h *OrderHandlers) createGatewayOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := int64Param(r, "orderID")
	if !ok {
		writeInvalid(ctx, w, "order id must be a positive integer")
		return
	}
	var req gatewayOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	external, err := h.payments.CreateGatewayOrder(ctx, services.CreateGatewayOrderCommand{
		Actor:    actorFromRequest(r),
		OrderID:  orderID,
		Provider: strings.TrimSpace(req.Provider),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, gatewayOrderResponse{
		Provider:     external.Provider,
		ID:           external.ID,
		ClientSecret: external.ClientSecret,
		Amount:       formatAmount(external.Amount),
		Currency:     strings.ToUpper(external.Currency),
	})
}

func (h *OrderHandlers) finalizePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := int64Param(r, "orderID")
	if !ok {
		writeInvalid(ctx, w, "order id must be a positive integer")
		return
	}
	var req finalizePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		writeInvalid(ctx, w, "transaction_id is required")
		return
	}
	result, err := h.payments.FinalizePayment(ctx, services.FinalizePaymentCommand{
		Actor:           actorFromRequest(r),
		OrderID:         orderID,
		ExternalOrderID: strings.TrimSpace(req.ExternalOrderID),
		TransactionID:   strings.TrimSpace(req.TransactionID),
		Signature:       strings.TrimSpace(req.Signature),
		Provider:        strings.TrimSpace(req.Provider),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, paymentResponse{
		Payment: buildPaymentPayload(result.Payment),
		Order:   buildOrderPayload(result.Order),
		Created: result.Created,
		Popup:   buildPopup(result.Popup),
	})
}
