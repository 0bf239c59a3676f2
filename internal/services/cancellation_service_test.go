package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/sqldb"
)

type cancellationFixture struct {
	orders        *stubOrderRepo
	payments      *stubPaymentRepo
	cancellations *stubCancellationRepo
	ledger        *stubLedger
	gateway       *stubGateway
	unit          *stubUnitOfWork
	dispatcher    *captureDispatcher
	svc           CancellationService
}

func newCancellationFixture(t *testing.T) *cancellationFixture {
	t.Helper()
	f := &cancellationFixture{
		orders:        &stubOrderRepo{},
		payments:      &stubPaymentRepo{},
		cancellations: &stubCancellationRepo{},
		ledger:        &stubLedger{},
		gateway:       &stubGateway{},
		unit:          &stubUnitOfWork{},
		dispatcher:    &captureDispatcher{},
	}
	svc, err := NewCancellationService(CancellationServiceDeps{
		Orders:        f.orders,
		Payments:      f.payments,
		Cancellations: f.cancellations,
		Ledger:        f.ledger,
		Gateway:       f.gateway,
		UnitOfWork:    f.unit,
		Dispatcher:    f.dispatcher,
		Clock:         fixedClock,
		IDGenerator:   func() string { return "01REF" },
	})
	if err != nil {
		t.Fatalf("NewCancellationService: %v", err)
	}
	f.svc = svc
	return f
}

func paidOrder(id int64) domain.Order {
	return domain.Order{
		ID:              id,
		UserID:          strPtr("u1"),
		Status:          domain.OrderStatusPaid,
		Currency:        "INR",
		Total:           decimal.NewFromInt(600),
		StockReservedAt: &fixedNow,
	}
}

func TestCancellationServiceRequest(t *testing.T) {
	f := newCancellationFixture(t)
	f.orders.findFn = func(_ context.Context, id int64) (domain.Order, error) { return paidOrder(id), nil }
	var inserted domain.CancellationRequest
	f.cancellations.insertFn = func(_ context.Context, req *domain.CancellationRequest) error {
		req.ID = 3
		inserted = *req
		return nil
	}

	result, err := f.svc.RequestCancellation(context.Background(), RequestCancellationCommand{Actor: userActor("u1"), OrderID: 1, Reason: " wrong edition "})
	if err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	if inserted.Status != domain.CancellationStatusPending || inserted.Reason != "wrong edition" || !inserted.RequestedAt.Equal(fixedNow) {
		t.Fatalf("unexpected request: %+v", inserted)
	}
	if result.Popup == nil || result.Popup.Event != EventCancelRequested {
		t.Fatalf("expected cancel_requested popup, got %+v", result.Popup)
	}
}

func TestCancellationServiceRequestGuards(t *testing.T) {
	f := newCancellationFixture(t)
	status := domain.OrderStatusShipped
	f.orders.findFn = func(_ context.Context, id int64) (domain.Order, error) {
		o := paidOrder(id)
		o.Status = status
		return o, nil
	}

	if _, err := f.svc.RequestCancellation(context.Background(), RequestCancellationCommand{Actor: userActor("u1"), OrderID: 1, Reason: "late"}); !errors.Is(err, ErrOrderNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}

	status = domain.OrderStatusProcessing
	f.cancellations.findActiveFn = func(_ context.Context, orderID int64) (domain.CancellationRequest, error) {
		return domain.CancellationRequest{ID: 1, OrderID: orderID, Status: domain.CancellationStatusApproved}, nil
	}
	if _, err := f.svc.RequestCancellation(context.Background(), RequestCancellationCommand{Actor: userActor("u1"), OrderID: 1, Reason: "again"}); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate request, got %v", err)
	}

	f.cancellations.findActiveFn = nil
	f.cancellations.insertFn = func(context.Context, *domain.CancellationRequest) error {
		return sqldb.Conflict("cancellations.insert", "active request exists")
	}
	if _, err := f.svc.RequestCancellation(context.Background(), RequestCancellationCommand{Actor: userActor("u1"), OrderID: 1, Reason: "race"}); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate on insert conflict, got %v", err)
	}

	if _, err := f.svc.RequestCancellation(context.Background(), RequestCancellationCommand{Actor: userActor("u2"), OrderID: 1, Reason: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other users to be rejected, got %v", err)
	}
	if len(f.dispatcher.events()) != 0 {
		t.Fatalf("rejected requests must not notify")
	}
}

func TestCancellationServiceApproveAndReject(t *testing.T) {
	f := newCancellationFixture(t)
	request := domain.CancellationRequest{ID: 5, OrderID: 1, UserID: "u1", Status: domain.CancellationStatusPending}
	f.cancellations.findFn = func(context.Context, int64) (domain.CancellationRequest, error) { return request, nil }
	f.cancellations.updateFn = func(_ context.Context, req domain.CancellationRequest, expected domain.CancellationStatus) error {
		if expected != domain.CancellationStatusPending {
			t.Fatalf("expected guarded update from pending, got %s", expected)
		}
		request = req
		return nil
	}
	f.orders.findFn = func(_ context.Context, id int64) (domain.Order, error) { return paidOrder(id), nil }

	if _, err := f.svc.RejectCancellation(context.Background(), DecideCancellationCommand{Actor: userActor("u1"), RequestID: 5}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	result, err := f.svc.RejectCancellation(context.Background(), DecideCancellationCommand{Actor: adminActor(), RequestID: 5, AdminNotes: "already packed"})
	if err != nil {
		t.Fatalf("RejectCancellation: %v", err)
	}
	if request.Status != domain.CancellationStatusRejected || request.ProcessedBy != "admin-1" || request.AdminNotes != "already packed" || request.ProcessedAt == nil {
		t.Fatalf("unexpected rejected request: %+v", request)
	}
	if result.Popup == nil || result.Popup.Event != EventCancelRejected {
		t.Fatalf("expected cancel_rejected popup, got %+v", result.Popup)
	}

	if _, err := f.svc.ApproveCancellation(context.Background(), DecideCancellationCommand{Actor: adminActor(), RequestID: 5}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected decided request to be final, got %v", err)
	}

	request.Status = domain.CancellationStatusPending
	if _, err := f.svc.ApproveCancellation(context.Background(), DecideCancellationCommand{Actor: adminActor(), RequestID: 5}); err != nil {
		t.Fatalf("ApproveCancellation: %v", err)
	}
	if request.Status != domain.CancellationStatusApproved {
		t.Fatalf("expected approved, got %s", request.Status)
	}
}

func setupRefund(f *cancellationFixture, order domain.Order, payment domain.Payment) (*domain.Order, *domain.Payment, *domain.CancellationRequest) {
	request := domain.CancellationRequest{ID: 9, OrderID: order.ID, UserID: "u1", Status: domain.CancellationStatusApproved}
	f.orders.findFn = func(context.Context, int64) (domain.Order, error) { return order, nil }
	f.orders.updateFn = func(_ context.Context, updated domain.Order, _ domain.OrderStatus) error {
		order = updated
		return nil
	}
	f.cancellations.findActiveFn = func(context.Context, int64) (domain.CancellationRequest, error) { return request, nil }
	f.cancellations.updateFn = func(_ context.Context, req domain.CancellationRequest, _ domain.CancellationStatus) error {
		request = req
		return nil
	}
	f.payments.listByOrderFn = func(context.Context, int64) ([]domain.Payment, error) {
		return []domain.Payment{payment}, nil
	}
	f.payments.updateFn = func(_ context.Context, p domain.Payment) error {
		payment = p
		return nil
	}
	return &order, &payment, &request
}

func TestCancellationServiceProcessRefundFull(t *testing.T) {
	f := newCancellationFixture(t)
	order, payment, request := setupRefund(f, paidOrder(20), domain.Payment{
		ID: 4, OrderID: 20, TransactionID: "pi_20", Amount: decimal.NewFromInt(600), Currency: "INR",
		Method: "card", Status: domain.PaymentStatusSuccess, Mode: domain.PaymentModeOnline,
	})
	f.gateway.refundFn = func(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
		if req.TransactionID != "pi_20" || !req.Amount.Equal(decimal.NewFromInt(600)) || req.Reason != "cancellation" {
			t.Fatalf("unexpected refund request: %+v", req)
		}
		return payments.RefundResult{Reference: "re_1", Amount: req.Amount, Status: "succeeded"}, nil
	}

	outcome, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 20, Amount: RefundAmountSpec{Full: true}})
	if err != nil {
		t.Fatalf("ProcessRefund: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded || outcome.Order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded order, got %s", order.Status)
	}
	if payment.Status != domain.PaymentStatusRefunded || payment.RefundReference != "re_1" {
		t.Fatalf("unexpected payment: %+v", payment)
	}
	if request.Status != domain.CancellationStatusRefunded || request.RefundAmount == nil || !request.RefundAmount.Equal(decimal.NewFromInt(600)) || request.RefundMethod != "card" || request.ProcessedBy != "admin-1" {
		t.Fatalf("unexpected request: %+v", request)
	}
	if len(f.ledger.restored) != 1 || order.StockRestoredAt == nil {
		t.Fatalf("expected stock restore, got %v", f.ledger.restored)
	}
	if got := f.dispatcher.events(); len(got) != 1 || got[0] != EventRefundProcessed {
		t.Fatalf("expected refund_processed dispatch, got %v", got)
	}
}

func TestCancellationServiceProcessRefundPartial(t *testing.T) {
	f := newCancellationFixture(t)
	order, _, request := setupRefund(f, paidOrder(21), domain.Payment{ID: 5, OrderID: 21, TransactionID: "pi_21", Status: domain.PaymentStatusRefundPending})
	f.gateway.refundFn = func(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{Reference: "re_2", Amount: req.Amount}, nil
	}

	if _, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 21, Amount: RefundAmountSpec{Amount: decimal.NewFromInt(200)}}); err != nil {
		t.Fatalf("ProcessRefund: %v", err)
	}
	if order.Status != domain.OrderStatusPartiallyRefunded || !request.RefundAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected partial refund, got %s %v", order.Status, request.RefundAmount)
	}
}

func TestCancellationServiceProcessRefundValidation(t *testing.T) {
	f := newCancellationFixture(t)
	setupRefund(f, paidOrder(22), domain.Payment{ID: 6, OrderID: 22, Status: domain.PaymentStatusSuccess})

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1), decimal.NewFromInt(601)} {
		_, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 22, Amount: RefundAmountSpec{Amount: amount}})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid amount %s to be rejected, got %v", amount, err)
		}
	}
	if _, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: userActor("u1"), OrderID: 22, Amount: RefundAmountSpec{Full: true}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if f.gateway.refundCalls != 0 {
		t.Fatalf("validation failures must not reach the gateway")
	}
}

func TestCancellationServiceProcessRefundRequiresRefundablePayment(t *testing.T) {
	f := newCancellationFixture(t)
	setupRefund(f, paidOrder(23), domain.Payment{ID: 7, OrderID: 23, Status: domain.PaymentStatusRefunded})
	_, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 23, Amount: RefundAmountSpec{Full: true}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing payment to be rejected, got %v", err)
	}
}

func TestCancellationServiceProcessRefundFromShippedIsIllegal(t *testing.T) {
	f := newCancellationFixture(t)
	order := paidOrder(24)
	order.Status = domain.OrderStatusShipped
	setupRefund(f, order, domain.Payment{ID: 8, OrderID: 24, Status: domain.PaymentStatusSuccess})
	_, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 24, Amount: RefundAmountSpec{Full: true}})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if f.gateway.refundCalls != 0 {
		t.Fatalf("illegal refunds must not reach the gateway")
	}
}

func TestCancellationServiceProcessRefundGatewayFailureWritesNothing(t *testing.T) {
	f := newCancellationFixture(t)
	order, payment, request := setupRefund(f, paidOrder(25), domain.Payment{ID: 9, OrderID: 25, TransactionID: "pi_25", Status: domain.PaymentStatusSuccess})
	f.gateway.refundFn = func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{}, errors.New("card_declined")
	}

	_, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 25, Amount: RefundAmountSpec{Full: true}})
	if !errors.Is(err, ErrGatewayError) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if f.unit.calls != 0 || order.Status != domain.OrderStatusPaid || payment.Status != domain.PaymentStatusSuccess || request.Status != domain.CancellationStatusApproved {
		t.Fatalf("gateway failure must leave local state untouched")
	}
	if len(f.ledger.restored) != 0 || len(f.dispatcher.events()) != 0 {
		t.Fatalf("gateway failure must not restore stock or notify")
	}
}

func TestCancellationServiceProcessRefundOfflinePaymentSkipsGateway(t *testing.T) {
	f := newCancellationFixture(t)
	_, payment, _ := setupRefund(f, paidOrder(26), domain.Payment{ID: 10, OrderID: 26, Status: domain.PaymentStatusSuccess, Mode: domain.PaymentModeOffline, Method: "cash"})
	if _, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 26, Amount: RefundAmountSpec{Full: true}}); err != nil {
		t.Fatalf("ProcessRefund: %v", err)
	}
	if f.gateway.refundCalls != 0 || payment.RefundReference != "manual_01REF" {
		t.Fatalf("expected manual refund reference, got %+v", payment)
	}
}

func TestCancellationServiceProcessRefundHeldPaymentWithoutRequest(t *testing.T) {
	f := newCancellationFixture(t)
	order := paidOrder(27)
	order.Status = domain.OrderStatusCancelled
	order.StockReservedAt = nil
	stored, payment, _ := setupRefund(f, order, domain.Payment{
		ID: 11, OrderID: 27, TransactionID: "pi_27", Amount: decimal.NewFromInt(600), Currency: "INR",
		Status: domain.PaymentStatusRefundPending, Mode: domain.PaymentModeOnline,
	})
	f.cancellations.findActiveFn = nil
	f.cancellations.updateFn = func(context.Context, domain.CancellationRequest, domain.CancellationStatus) error {
		t.Fatalf("no cancellation request should be written")
		return nil
	}
	f.gateway.refundFn = func(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{Reference: "re_27", Amount: req.Amount, Status: "succeeded"}, nil
	}

	if _, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 27, Amount: RefundAmountSpec{Full: true}}); err != nil {
		t.Fatalf("ProcessRefund: %v", err)
	}
	if stored.Status != domain.OrderStatusRefunded || payment.Status != domain.PaymentStatusRefunded || payment.RefundReference != "re_27" {
		t.Fatalf("expected refunded order and payment, got %s / %+v", stored.Status, payment)
	}
}

func TestCancellationServiceProcessRefundWithoutRequestRejected(t *testing.T) {
	f := newCancellationFixture(t)
	setupRefund(f, paidOrder(28), domain.Payment{ID: 12, OrderID: 28, Status: domain.PaymentStatusSuccess})
	f.cancellations.findActiveFn = nil
	_, err := f.svc.ProcessRefund(context.Background(), ProcessRefundCommand{Actor: adminActor(), OrderID: 28, Amount: RefundAmountSpec{Full: true}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing request to be rejected, got %v", err)
	}
	if f.gateway.refundCalls != 0 {
		t.Fatalf("rejected refunds must not reach the gateway")
	}
}
