package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/repositories"
	"github.com/bookhaven/api/internal/services"
)

var errNotImplemented = errors.New("not implemented")

type stubOrderService struct {
	placeFn      func(context.Context, services.PlaceOrderCommand) (services.OrderResult, error)
	getFn        func(context.Context, services.GetOrderCommand) (services.Order, error)
	listFn       func(context.Context, services.ListOrdersCommand) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, services.TransitionOrderCommand) (services.OrderResult, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.OrderResult, error)
}

func (s *stubOrderService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.OrderResult, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, cmd)
	}
	return services.OrderResult{}, errNotImplemented
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) ListOrders(ctx context.Context, cmd services.ListOrdersCommand) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, cmd)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.TransitionOrderCommand) (services.OrderResult, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.OrderResult{}, errNotImplemented
}

func (s *stubOrderService) CancelByUser(ctx context.Context, cmd services.CancelOrderCommand) (services.OrderResult, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.OrderResult{}, errNotImplemented
}

type stubPaymentService struct {
	gatewayFn  func(context.Context, services.CreateGatewayOrderCommand) (payments.ExternalOrder, error)
	finalizeFn func(context.Context, services.FinalizePaymentCommand) (services.PaymentResult, error)
	offlineFn  func(context.Context, services.RecordOfflinePaymentCommand) (services.PaymentResult, error)
}

func (s *stubPaymentService) CreateGatewayOrder(ctx context.Context, cmd services.CreateGatewayOrderCommand) (payments.ExternalOrder, error) {
	if s.gatewayFn != nil {
		return s.gatewayFn(ctx, cmd)
	}
	return payments.ExternalOrder{}, errNotImplemented
}

func (s *stubPaymentService) FinalizePayment(ctx context.Context, cmd services.FinalizePaymentCommand) (services.PaymentResult, error) {
	if s.finalizeFn != nil {
		return s.finalizeFn(ctx, cmd)
	}
	return services.PaymentResult{}, errNotImplemented
}

func (s *stubPaymentService) RecordOfflinePayment(ctx context.Context, cmd services.RecordOfflinePaymentCommand) (services.PaymentResult, error) {
	if s.offlineFn != nil {
		return s.offlineFn(ctx, cmd)
	}
	return services.PaymentResult{}, errNotImplemented
}

type stubCancellationService struct {
	requestFn func(context.Context, services.RequestCancellationCommand) (services.CancellationResult, error)
	approveFn func(context.Context, services.DecideCancellationCommand) (services.CancellationResult, error)
	rejectFn  func(context.Context, services.DecideCancellationCommand) (services.CancellationResult, error)
	refundFn  func(context.Context, services.ProcessRefundCommand) (services.RefundOutcome, error)
}

func (s *stubCancellationService) RequestCancellation(ctx context.Context, cmd services.RequestCancellationCommand) (services.CancellationResult, error) {
	if s.requestFn != nil {
		return s.requestFn(ctx, cmd)
	}
	return services.CancellationResult{}, errNotImplemented
}

func (s *stubCancellationService) ApproveCancellation(ctx context.Context, cmd services.DecideCancellationCommand) (services.CancellationResult, error) {
	if s.approveFn != nil {
		return s.approveFn(ctx, cmd)
	}
	return services.CancellationResult{}, errNotImplemented
}

func (s *stubCancellationService) RejectCancellation(ctx context.Context, cmd services.DecideCancellationCommand) (services.CancellationResult, error) {
	if s.rejectFn != nil {
		return s.rejectFn(ctx, cmd)
	}
	return services.CancellationResult{}, errNotImplemented
}

func (s *stubCancellationService) ProcessRefund(ctx context.Context, cmd services.ProcessRefundCommand) (services.RefundOutcome, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.RefundOutcome{}, errNotImplemented
}

type stubSweeper struct {
	result services.SweepResult
	err    error
	calls  int
}

func (s *stubSweeper) Sweep(context.Context) (services.SweepResult, error) {
	s.calls++
	return s.result, s.err
}

type stubAdminNotifications struct {
	items    []services.AdminNotification
	filter   repositories.AdminNotificationFilter
	markedID string
	err      error
}

func (s *stubAdminNotifications) List(_ context.Context, filter repositories.AdminNotificationFilter) ([]services.AdminNotification, error) {
	s.filter = filter
	return s.items, s.err
}

func (s *stubAdminNotifications) MarkRead(_ context.Context, id string) error {
	s.markedID = id
	return s.err
}

var (
	_ services.OrderService             = (*stubOrderService)(nil)
	_ services.PaymentService           = (*stubPaymentService)(nil)
	_ services.CancellationService      = (*stubCancellationService)(nil)
	_ services.ExpirySweeper            = (*stubSweeper)(nil)
	_ services.AdminNotificationService = (*stubAdminNotifications)(nil)
)

// mountWithIdentity mounts a registrar under prefix behind the header authenticator.
func mountWithIdentity(prefix string, routes func(chi.Router)) http.Handler {
	router := chi.NewRouter()
	router.Use(auth.NewHeaderAuthenticator().Identify())
	router.Route(prefix, routes)
	return router
}

func withUser(req *http.Request, id, role string) *http.Request {
	req.Header.Set("X-User-ID", id)
	req.Header.Set("X-User-Email", id+"@example.com")
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	return req
}

func jsonBody(raw string) *strings.Reader {
	return strings.NewReader(raw)
}
