package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/repositories"
)

const (
	maxCancellationReasonLength = 500
	refundReasonCancellation    = "cancellation"
)

var cancellableOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusPaid,
	domain.OrderStatusProcessing,
}

// CancellationServiceDeps bundles collaborators required to construct the cancellation service.
type CancellationServiceDeps struct {
	Orders        repositories.OrderRepository
	Payments      repositories.PaymentRepository
	Cancellations repositories.CancellationRepository
	Ledger        InventoryLedger
	Gateway       paymentGateway
	UnitOfWork    repositories.UnitOfWork
	Dispatcher    NotificationDispatcher
	Events        LifecycleEventPublisher
	Cache         Cache
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type cancellationService struct {
	lifecycleSupport
	orders        repositories.OrderRepository
	payments      repositories.PaymentRepository
	cancellations repositories.CancellationRepository
	ledger        InventoryLedger
	gateway       paymentGateway
}

// NewCancellationService wires dependencies into a concrete CancellationService implementation.
func NewCancellationService(deps CancellationServiceDeps) (CancellationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("cancellation service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("cancellation service: payment repository is required")
	}
	if deps.Cancellations == nil {
		return nil, errors.New("cancellation service: cancellation repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("cancellation service: inventory ledger is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("cancellation service: payment gateway is required")
	}

	return &cancellationService{
		lifecycleSupport: newLifecycleSupport(lifecycleOptions{
			UnitOfWork: deps.UnitOfWork,
			Dispatcher: deps.Dispatcher,
			Events:     deps.Events,
			Cache:      deps.Cache,
			Clock:      deps.Clock,
			IDGen:      deps.IDGenerator,
			Logger:     deps.Logger,
		}),
		orders:        deps.Orders,
		payments:      deps.Payments,
		cancellations: deps.Cancellations,
		ledger:        deps.Ledger,
		gateway:       deps.Gateway,
	}, nil
}

func (s *cancellationService) RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (CancellationResult, error) {
	if cmd.OrderID <= 0 {
		return CancellationResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.Actor.ID) == "" {
		return CancellationResult{}, fmt.Errorf("%w: sign in to request a cancellation", ErrForbidden)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return CancellationResult{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if len(reason) > maxCancellationReasonLength {
		return CancellationResult{}, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, maxCancellationReasonLength)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return CancellationResult{}, mapRepositoryError(err)
	}
	if !ownsOrder(cmd.Actor, order) {
		return CancellationResult{}, fmt.Errorf("%w: order %d", ErrNotFound, cmd.OrderID)
	}
	if !slices.Contains(cancellableOrderStatuses, order.Status) {
		return CancellationResult{}, fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, order.Status)
	}

	if _, err := s.cancellations.FindActiveByOrder(ctx, order.ID); err == nil {
		return CancellationResult{}, fmt.Errorf("%w: order %d already has an open request", ErrDuplicateRequest, order.ID)
	} else if !isRepositoryNotFound(err) {
		return CancellationResult{}, mapRepositoryError(err)
	}

	request := CancellationRequest{
		OrderID:     order.ID,
		UserID:      cmd.Actor.ID,
		Reason:      reason,
		Notes:       strings.TrimSpace(cmd.Notes),
		Status:      domain.CancellationStatusPending,
		RequestedAt: s.now(),
	}
	if err := s.cancellations.Insert(ctx, &request); err != nil {
		if isRepositoryConflict(err) {
			return CancellationResult{}, fmt.Errorf("%w: order %d already has an open request", ErrDuplicateRequest, order.ID)
		}
		return CancellationResult{}, mapRepositoryError(err)
	}

	s.publishCancellation(ctx, request, "", cmd.Actor)
	popup := s.notify(ctx, EventCancelRequested, &order, cmd.Actor, map[string]any{
		"reason":    reason,
		"requestId": request.ID,
	})
	return CancellationResult{Request: request, Popup: popup}, nil
}

func (s *cancellationService) ApproveCancellation(ctx context.Context, cmd DecideCancellationCommand) (CancellationResult, error) {
	return s.decide(ctx, cmd, domain.CancellationStatusApproved, EventCancelApproved)
}

func (s *cancellationService) RejectCancellation(ctx context.Context, cmd DecideCancellationCommand) (CancellationResult, error) {
	return s.decide(ctx, cmd, domain.CancellationStatusRejected, EventCancelRejected)
}

func (s *cancellationService) decide(ctx context.Context, cmd DecideCancellationCommand, target domain.CancellationStatus, event NotificationEvent) (CancellationResult, error) {
	if !cmd.Actor.IsAdmin() {
		return CancellationResult{}, fmt.Errorf("%w: admin privileges required", ErrForbidden)
	}
	if cmd.RequestID <= 0 {
		return CancellationResult{}, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}

	request, err := s.cancellations.FindByID(ctx, cmd.RequestID)
	if err != nil {
		return CancellationResult{}, mapRepositoryError(err)
	}
	if request.Status != domain.CancellationStatusPending {
		return CancellationResult{}, fmt.Errorf("%w: request is %s", ErrInvalidInput, request.Status)
	}

	request.Status = target
	request.AdminNotes = strings.TrimSpace(cmd.AdminNotes)
	request.ProcessedBy = cmd.Actor.ID
	request.ProcessedAt = valuePtr(s.now())
	if err := s.cancellations.Update(ctx, request, domain.CancellationStatusPending); err != nil {
		return CancellationResult{}, mapRepositoryError(err)
	}

	s.publishCancellation(ctx, request, domain.CancellationStatusPending, cmd.Actor)

	var orderRef *Order
	if order, err := s.orders.FindByID(ctx, request.OrderID); err == nil {
		orderRef = &order
	} else {
		s.logger(ctx, "cancellation.order.lookup.failed", map[string]any{
			"orderId": request.OrderID,
			"error":   err.Error(),
		})
	}
	extra := map[string]any{"requestId": request.ID}
	if request.AdminNotes != "" {
		extra["adminNotes"] = request.AdminNotes
	}
	popup := s.notify(ctx, event, orderRef, cmd.Actor, extra)
	return CancellationResult{Request: request, Popup: popup}, nil
}

// ProcessRefund refunds through the gateway first and only then records the refund locally.
func (s *cancellationService) ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (RefundOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "services.ProcessRefund", attribute.Int64("order.id", cmd.OrderID))
	defer span.End()

	if !cmd.Actor.IsAdmin() {
		return RefundOutcome{}, fmt.Errorf("%w: admin privileges required", ErrForbidden)
	}
	if cmd.OrderID <= 0 {
		return RefundOutcome{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return RefundOutcome{}, mapRepositoryError(err)
	}
	hasRequest := true
	request, err := s.cancellations.FindActiveByOrder(ctx, order.ID)
	if err != nil {
		if !isRepositoryNotFound(err) {
			return RefundOutcome{}, mapRepositoryError(err)
		}
		hasRequest = false
	}
	payment, err := s.refundablePayment(ctx, order.ID)
	if err != nil {
		return RefundOutcome{}, err
	}
	// A payment held on an already cancelled order is refunded without a request.
	if !hasRequest && (order.Status != domain.OrderStatusCancelled || payment.Status != domain.PaymentStatusRefundPending) {
		return RefundOutcome{}, fmt.Errorf("%w: order %d has no open cancellation request", ErrInvalidInput, order.ID)
	}

	amount := order.Total
	if !cmd.Amount.Full {
		amount = cmd.Amount.Amount
		if !amount.IsPositive() || amount.GreaterThan(order.Total) {
			return RefundOutcome{}, fmt.Errorf("%w: refund amount must be greater than 0 and at most %s", ErrInvalidInput, order.Total.StringFixed(2))
		}
	}
	target := domain.OrderStatusRefunded
	if amount.LessThan(order.Total) {
		target = domain.OrderStatusPartiallyRefunded
	}
	if !canTransition(order.Status, target, CauseRefund) {
		return RefundOutcome{}, &TransitionError{From: order.Status, To: target}
	}

	reference, err := s.refundAtGateway(ctx, order, payment, amount)
	if err != nil {
		return RefundOutcome{}, err
	}

	var previous domain.OrderStatus
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByIDForUpdate(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		previous = current.Status
		now := s.now()
		if err := applyTransition(&current, target, CauseRefund, now); err != nil {
			return err
		}

		restored, err := s.ledger.Restore(txCtx, current.ID)
		if err != nil {
			return err
		}
		if restored {
			current.StockRestoredAt = valuePtr(now)
		}

		payment.Status = domain.PaymentStatusRefunded
		payment.RefundReference = reference
		payment.RefundedAmount = amount
		payment.UpdatedAt = now
		if err := s.payments.Update(txCtx, payment); err != nil {
			return mapRepositoryError(err)
		}

		if hasRequest {
			expected := request.Status
			request.Status = domain.CancellationStatusRefunded
			request.RefundAmount = decimalPtr(amount)
			request.RefundMethod = payment.Method
			request.RefundReference = reference
			request.ProcessedBy = cmd.Actor.ID
			request.ProcessedAt = valuePtr(now)
			if notes := strings.TrimSpace(cmd.AdminNotes); notes != "" {
				request.AdminNotes = notes
			}
			if err := s.cancellations.Update(txCtx, request, expected); err != nil {
				return mapRepositoryError(err)
			}
		}

		if err := s.orders.Update(txCtx, current, previous); err != nil {
			return mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		// The gateway already moved the money; the local records need manual reconciliation.
		s.logger(ctx, "refund.record.failed", map[string]any{
			"orderId":   order.ID,
			"reference": reference,
			"amount":    amount.String(),
			"error":     err.Error(),
		})
		return RefundOutcome{}, err
	}

	s.invalidateOrder(ctx, order.ID)
	s.publishEvent(ctx, LifecycleEvent{
		Type:           lifecycleEventRefundProcessed,
		OrderID:        order.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.Actor.ID,
		ActorRole:      string(cmd.Actor.Role),
		Metadata: map[string]any{
			"amount":    amount.String(),
			"reference": reference,
		},
	})
	popup := s.notify(ctx, EventRefundProcessed, &order, cmd.Actor, map[string]any{
		"amount":    amount.StringFixed(2),
		"reference": reference,
	})
	return RefundOutcome{Order: order, Payment: payment, Request: request, Popup: popup}, nil
}

func (s *cancellationService) refundablePayment(ctx context.Context, orderID int64) (Payment, error) {
	records, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, mapRepositoryError(err)
	}
	for _, payment := range records {
		if payment.Status == domain.PaymentStatusSuccess || payment.Status == domain.PaymentStatusRefundPending {
			return payment, nil
		}
	}
	return Payment{}, fmt.Errorf("%w: order %d has no refundable payment", ErrInvalidInput, orderID)
}

func (s *cancellationService) refundAtGateway(ctx context.Context, order Order, payment Payment, amount decimal.Decimal) (string, error) {
	if payment.Mode == domain.PaymentModeOffline {
		return "manual_" + s.newID(), nil
	}
	result, err := s.gateway.Refund(ctx, payments.PaymentContext{Currency: payment.Currency}, payments.RefundRequest{
		TransactionID:  payment.TransactionID,
		Amount:         amount,
		Currency:       firstNonEmpty(payment.Currency, order.Currency),
		Reason:         refundReasonCancellation,
		IdempotencyKey: fmt.Sprintf("refund-%d-%d", order.ID, payment.ID),
		Metadata: map[string]string{
			"order_id": strconv.FormatInt(order.ID, 10),
		},
	})
	if err != nil {
		s.logger(ctx, "refund.gateway.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return "", mapGatewayError(err)
	}
	return result.Reference, nil
}

func (s *cancellationService) publishCancellation(ctx context.Context, request CancellationRequest, previous domain.CancellationStatus, actor Actor) {
	s.publishEvent(ctx, LifecycleEvent{
		Type:           lifecycleEventCancellationChanged,
		OrderID:        request.OrderID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(request.Status),
		ActorID:        actor.ID,
		ActorRole:      string(actor.Role),
		Metadata:       map[string]any{"requestId": request.ID},
	})
}
