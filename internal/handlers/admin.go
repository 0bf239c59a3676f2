package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/repositories"
	"github.com/bookhaven/api/internal/services"
)

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type offlinePaymentRequest struct {
	TransactionID string `json:"transaction_id"`
	Method        string `json:"method"`
	Amount        string `json:"amount"`
}

type decisionRequest struct {
	AdminNotes string `json:"admin_notes"`
}

type refundRequest struct {
	Full       bool   `json:"full"`
	Amount     string `json:"amount"`
	AdminNotes string `json:"admin_notes"`
}

type refundResponse struct {
	Order   orderPayload        `json:"order"`
	Payment paymentPayload      `json:"payment"`
	Request cancellationPayload `json:"request"`
	Popup   *popupPayload       `json:"popup,omitempty"`
}

type adminNotificationPayload struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	OrderID   *int64 `json:"order_id,omitempty"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

type adminNotificationListResponse struct {
	Items []adminNotificationPayload `json:"items"`
}

// AdminHandlers exposes operator endpoints. Callers must hold the admin role.
type AdminHandlers struct {
	orders        services.OrderService
	payments      services.PaymentService
	cancellations services.CancellationService
	notifications services.AdminNotificationService
}

// AdminOption customises AdminHandlers.
type AdminOption func(*AdminHandlers)

// WithAdminOrderService wires the order service.
func WithAdminOrderService(svc services.OrderService) AdminOption {
	return func(h *AdminHandlers) { h.orders = svc }
}

// WithAdminPaymentService wires the payment service.
func WithAdminPaymentService(svc services.PaymentService) AdminOption {
	return func(h *AdminHandlers) { h.payments = svc }
}

// WithAdminCancellationService wires the cancellation service.
func WithAdminCancellationService(svc services.CancellationService) AdminOption {
	return func(h *AdminHandlers) { h.cancellations = svc }
}

// WithAdminNotificationService wires the in-app notification service.
func WithAdminNotificationService(svc services.AdminNotificationService) AdminOption {
	return func(h *AdminHandlers) { h.notifications = svc }
}

// NewAdminHandlers constructs admin handlers from the provided options.
func NewAdminHandlers(opts ...AdminOption) *AdminHandlers {
	h := &AdminHandlers{}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Post("/orders/{orderID}:refund", h.processRefund)
	r.Post("/orders/{orderID}/payments:offline", h.recordOfflinePayment)
	r.Post("/cancellation-requests/{requestID}:approve", h.approveCancellation)
	r.Post("/cancellation-requests/{requestID}:reject", h.rejectCancellation)
	r.Get("/notifications", h.listNotifications)
	r.Post("/notifications/{notificationID}:read", h.markNotificationRead)
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
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
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Status))
	if target == "" {
		writeInvalid(ctx, w, "status is required")
		return
	}
	result, err := h.orders.TransitionStatus(ctx, services.TransitionOrderCommand{
		Actor:   actorFromRequest(r),
		OrderID: orderID,
		Target:  domain.OrderStatus(target),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(result.Order), Popup: buildPopup(result.Popup)})
}

func (h *AdminHandlers) recordOfflinePayment(w http.ResponseWriter, r *http.Request) {
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
	var req offlinePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd := services.RecordOfflinePaymentCommand{
		Actor:         actorFromRequest(r),
		OrderID:       orderID,
		TransactionID: strings.TrimSpace(req.TransactionID),
		Method:        strings.TrimSpace(req.Method),
	}
	if strings.TrimSpace(req.Amount) != "" {
		amount, err := parseAmount(req.Amount)
		if err != nil {
			writeInvalid(ctx, w, "amount must be a decimal number")
			return
		}
		cmd.Amount = &amount
	}
	result, err := h.payments.RecordOfflinePayment(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, paymentResponse{
		Payment: buildPaymentPayload(result.Payment),
		Order:   buildOrderPayload(result.Order),
		Created: result.Created,
		Popup:   buildPopup(result.Popup),
	})
}

func (h *AdminHandlers) approveCancellation(w http.ResponseWriter, r *http.Request) {
	h.decideCancellation(w, r, true)
}

func (h *AdminHandlers) rejectCancellation(w http.ResponseWriter, r *http.Request) {
	h.decideCancellation(w, r, false)
}

func (h *AdminHandlers) decideCancellation(w http.ResponseWriter, r *http.Request, approve bool) {
	ctx := r.Context()
	if h.cancellations == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cancellation_service_unavailable", "cancellation service unavailable", http.StatusServiceUnavailable))
		return
	}
	requestID, ok := int64Param(r, "requestID")
	if !ok {
		writeInvalid(ctx, w, "request id must be a positive integer")
		return
	}
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd := services.DecideCancellationCommand{
		Actor:      actorFromRequest(r),
		RequestID:  requestID,
		AdminNotes: strings.TrimSpace(req.AdminNotes),
	}
	var (
		result services.CancellationResult
		err    error
	)
	if approve {
		result, err = h.cancellations.ApproveCancellation(ctx, cmd)
	} else {
		result, err = h.cancellations.RejectCancellation(ctx, cmd)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cancellationResponse{Request: buildCancellationPayload(result.Request), Popup: buildPopup(result.Popup)})
}

func (h *AdminHandlers) processRefund(w http.ResponseWriter, r *http.Request) {
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
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spec := services.RefundAmountSpec{Full: req.Full}
	if !req.Full {
		if strings.TrimSpace(req.Amount) == "" {
			writeInvalid(ctx, w, "amount is required unless full is set")
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			writeInvalid(ctx, w, "amount must be a decimal number")
			return
		}
		spec.Amount = amount
	}
	outcome, err := h.cancellations.ProcessRefund(ctx, services.ProcessRefundCommand{
		Actor:      actorFromRequest(r),
		OrderID:    orderID,
		Amount:     spec,
		AdminNotes: strings.TrimSpace(req.AdminNotes),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, refundResponse{
		Order:   buildOrderPayload(outcome.Order),
		Payment: buildPaymentPayload(outcome.Payment),
		Request: buildCancellationPayload(outcome.Request),
		Popup:   buildPopup(outcome.Popup),
	})
}

func (h *AdminHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}
	query := r.URL.Query()
	filter := repositories.AdminNotificationFilter{}
	if raw := strings.TrimSpace(query.Get("unread")); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			writeInvalid(ctx, w, "unread must be a boolean")
			return
		}
		filter.UnreadOnly = unread
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeInvalid(ctx, w, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}
	items, err := h.notifications.List(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := adminNotificationListResponse{Items: make([]adminNotificationPayload, 0, len(items))}
	for _, n := range items {
		payload.Items = append(payload.Items, adminNotificationPayload{
			ID:        n.ID,
			Event:     n.Event,
			OrderID:   n.OrderID,
			Title:     n.Title,
			Message:   n.Message,
			Read:      n.Read,
			CreatedAt: formatTime(n.CreatedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *AdminHandlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.notifications.MarkRead(ctx, chi.URLParam(r, "notificationID")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
