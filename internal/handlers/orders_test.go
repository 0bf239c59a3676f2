package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/services"
)

func sampleOrder(id int64, status domain.OrderStatus) services.Order {
	user := "user-1"
	return services.Order{
		ID:       id,
		UserID:   &user,
		Status:   status,
		Origin:   domain.OrderOriginUser,
		Currency: "inr",
		Items: []services.OrderItem{
			{BookID: 7, Title: "Dune", UnitPrice: decimal.NewFromInt(200), Quantity: 2},
		},
		Subtotal:  decimal.NewFromInt(400),
		Shipping:  decimal.NewFromInt(150),
		Total:     decimal.NewFromInt(550),
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func newOrderRouter(h *OrderHandlers) http.Handler {
	return mountWithIdentity("/orders", h.Routes)
}

func TestOrderHandlersPlaceOrderGuest(t *testing.T) {
	var captured services.PlaceOrderCommand
	svc := &stubOrderService{
		placeFn: func(_ context.Context, cmd services.PlaceOrderCommand) (services.OrderResult, error) {
			captured = cmd
			order := sampleOrder(42, domain.OrderStatusPending)
			order.UserID = nil
			order.Origin = domain.OrderOriginGuest
			return services.OrderResult{
				Order: order,
				Popup: &services.PopupPayload{Event: services.EventOrderPlaced, Title: "Order placed", Message: "Pay within 15 minutes", Level: services.PopupSuccess},
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(svc, nil, nil))

	body := `{"guest_name":"Asha","guest_email":"asha@example.com","shipping_address":{"recipient":"Asha","line1":"12 Park St","city":"Kolkata"},"items":[{"book_id":7,"quantity":2}]}`
	req := httptest.NewRequest(http.MethodPost, "/orders", jsonBody(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Actor.Role != domain.ActorRoleGuest {
		t.Fatalf("expected guest actor, got %q", captured.Actor.Role)
	}
	if captured.GuestEmail != "asha@example.com" || captured.ShippingAddress == nil || captured.ShippingAddress.City != "Kolkata" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if len(captured.Items) != 1 || captured.Items[0].BookID != 7 || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %#v", captured.Items)
	}

	var resp struct {
		Order struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
			Total  string `json:"total"`
			Items  []struct {
				Total string `json:"total"`
			} `json:"items"`
		} `json:"order"`
		Popup struct {
			Event string `json:"event"`
			Level string `json:"level"`
		} `json:"popup"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.ID != 42 || resp.Order.Status != "pending" || resp.Order.Total != "550.00" {
		t.Fatalf("unexpected order payload %#v", resp.Order)
	}
	if len(resp.Order.Items) != 1 || resp.Order.Items[0].Total != "400.00" {
		t.Fatalf("unexpected items payload %#v", resp.Order.Items)
	}
	if resp.Popup.Event != "order_placed" || resp.Popup.Level != "success" {
		t.Fatalf("unexpected popup %#v", resp.Popup)
	}
}

func TestOrderHandlersPlaceOrderValidation(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(&stubOrderService{}, nil, nil))

	cases := map[string]string{
		"no items":      `{"items":[]}`,
		"unknown field": `{"items":[{"book_id":1,"quantity":1}],"coupon":"X"}`,
		"malformed":     `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders", jsonBody(body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestOrderHandlersPlaceOrderInsufficientStock(t *testing.T) {
	svc := &stubOrderService{
		placeFn: func(context.Context, services.PlaceOrderCommand) (services.OrderResult, error) {
			return services.OrderResult{}, fmt.Errorf("%w: book 7", services.ErrInsufficientStock)
		},
	}
	router := newOrderRouter(NewOrderHandlers(svc, nil, nil))
	req := withUser(httptest.NewRequest(http.MethodPost, "/orders", jsonBody(`{"address_id":3,"items":[{"book_id":7,"quantity":9}]}`)), "user-1", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "insufficient_stock" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}

func TestOrderHandlersPlaceOrderRateLimited(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	svc := &stubOrderService{
		placeFn: func(context.Context, services.PlaceOrderCommand) (services.OrderResult, error) {
			return services.OrderResult{Order: sampleOrder(1, domain.OrderStatusPending)}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(svc, nil, nil, WithPlacementRateLimit(1, time.Minute, func() time.Time { return now })))

	send := func() *httptest.ResponseRecorder {
		req := withUser(httptest.NewRequest(http.MethodPost, "/orders", jsonBody(`{"address_id":3,"items":[{"book_id":7,"quantity":1}]}`)), "user-1", "")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}
	if rr := send(); rr.Code != http.StatusCreated {
		t.Fatalf("expected first placement to succeed, got %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", rr.Header().Get("Retry-After"))
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	var captured services.GetOrderCommand
	svc := &stubOrderService{
		getFn: func(_ context.Context, cmd services.GetOrderCommand) (services.Order, error) {
			captured = cmd
			if cmd.OrderID == 404 {
				return services.Order{}, services.ErrNotFound
			}
			return sampleOrder(cmd.OrderID, domain.OrderStatusPaid), nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(svc, nil, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/orders/42", nil), "user-1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.OrderID != 42 || captured.Actor.ID != "user-1" || captured.Actor.Role != domain.ActorRoleUser {
		t.Fatalf("unexpected command %#v", captured)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/orders/404", nil), "user-1", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/orders/abc", nil), "user-1", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	var captured services.ListOrdersCommand
	svc := &stubOrderService{
		listFn: func(_ context.Context, cmd services.ListOrdersCommand) (domain.CursorPage[services.Order], error) {
			captured = cmd
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder(1, domain.OrderStatusPaid)},
				NextPageToken: "next",
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(svc, nil, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/orders?status=paid,shipped&pageSize=5", nil), "user-1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Pagination.PageSize != 5 || len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPaid {
		t.Fatalf("unexpected command %#v", captured)
	}
	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected response %#v", resp)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/orders?status=lost", nil), "user-1", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelOrderErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{name: "not cancellable", err: fmt.Errorf("%w: order is shipped", services.ErrOrderNotCancellable), code: "order_not_cancellable"},
		{name: "illegal transition", err: &services.TransitionError{From: domain.OrderStatusShipped, To: domain.OrderStatusCancelled}, code: "illegal_transition"},
		{name: "forbidden", err: services.ErrForbidden, code: "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderService{
				cancelFn: func(context.Context, services.CancelOrderCommand) (services.OrderResult, error) {
					return services.OrderResult{}, tc.err
				},
			}
			router := newOrderRouter(NewOrderHandlers(svc, nil, nil))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/orders/9:cancel", jsonBody(`{"reason":"changed my mind"}`)), "user-1", ""))

			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestOrderHandlersCancelOrderTransitionDetails(t *testing.T) {
	svc := &stubOrderService{
		cancelFn: func(context.Context, services.CancelOrderCommand) (services.OrderResult, error) {
			return services.OrderResult{}, &services.TransitionError{From: domain.OrderStatusDelivered, To: domain.OrderStatusCancelled}
		},
	}
	router := newOrderRouter(NewOrderHandlers(svc, nil, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/orders/9:cancel", nil), "user-1", ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["current_status"] != "delivered" || body["requested_status"] != "cancelled" {
		t.Fatalf("expected transition details, got %v", body)
	}
}

func TestOrderHandlersRequestCancellation(t *testing.T) {
	calls := 0
	svc := &stubCancellationService{
		requestFn: func(_ context.Context, cmd services.RequestCancellationCommand) (services.CancellationResult, error) {
			calls++
			if calls > 1 {
				return services.CancellationResult{}, services.ErrDuplicateRequest
			}
			return services.CancellationResult{
				Request: services.CancellationRequest{ID: 5, OrderID: cmd.OrderID, UserID: cmd.Actor.ID, Reason: cmd.Reason, Status: domain.CancellationStatusPending},
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, nil, svc))

	send := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/orders/9/cancellation-requests", jsonBody(`{"reason":"ordered twice"}`)), "user-1", ""))
		return rr
	}
	rr := send()
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	var resp cancellationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Request.ID != 5 || resp.Request.Status != "pending" || resp.Request.Reason != "ordered twice" {
		t.Fatalf("unexpected response %#v", resp)
	}

	rr = send()
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "duplicate_request") {
		t.Fatalf("expected duplicate_request, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersCreateGatewayOrder(t *testing.T) {
	svc := &stubPaymentService{
		gatewayFn: func(_ context.Context, cmd services.CreateGatewayOrderCommand) (payments.ExternalOrder, error) {
			if cmd.Provider != "stripe" || cmd.OrderID != 42 {
				t.Errorf("unexpected command %#v", cmd)
			}
			return payments.ExternalOrder{Provider: "stripe", ID: "pi_123", ClientSecret: "secret", Amount: decimal.NewFromInt(550), Currency: "inr"}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/orders/42/payments:gateway-order", jsonBody(`{"provider":"stripe"}`)), "user-1", ""))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	var resp gatewayOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "pi_123" || resp.Amount != "550.00" || resp.Currency != "INR" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestOrderHandlersFinalizePayment(t *testing.T) {
	calls := 0
	svc := &stubPaymentService{
		finalizeFn: func(_ context.Context, cmd services.FinalizePaymentCommand) (services.PaymentResult, error) {
			calls++
			order := sampleOrder(cmd.OrderID, domain.OrderStatusPaid)
			payment := services.Payment{ID: 3, OrderID: cmd.OrderID, TransactionID: cmd.TransactionID, Amount: order.Total, Currency: "INR", Status: domain.PaymentStatusSuccess, Mode: domain.PaymentModeOnline}
			return services.PaymentResult{Payment: payment, Order: order, Created: calls == 1}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc, nil))

	send := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/42/payments:finalize", jsonBody(`{"transaction_id":"pi_123","signature":"sig"}`)))
		return rr
	}
	if rr := send(); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first finalize, got %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat finalize, got %d", rr.Code)
	}
	var resp paymentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Created || resp.Payment.TransactionID != "pi_123" || resp.Order.Status != "paid" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestOrderHandlersFinalizePaymentGatewayErrorIsOpaque(t *testing.T) {
	svc := &stubPaymentService{
		finalizeFn: func(context.Context, services.FinalizePaymentCommand) (services.PaymentResult, error) {
			return services.PaymentResult{}, fmt.Errorf("%w: stripe said card_declined for acct_secret", services.ErrGatewayError)
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/42/payments:finalize", jsonBody(`{"transaction_id":"pi_123"}`)))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "acct_secret") {
		t.Fatalf("gateway detail leaked: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/42/payments:finalize", jsonBody(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without transaction id, got %d", rr.Code)
	}
}
