package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/repositories"
)

const defaultOfflineMethod = "cash"

var errPaymentRace = errors.New("payment: transaction recorded concurrently")

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	Ledger      InventoryLedger
	Gateway     paymentGateway
	UnitOfWork  repositories.UnitOfWork
	Dispatcher  NotificationDispatcher
	Events      LifecycleEventPublisher
	Cache       Cache
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	lifecycleSupport
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository
	ledger   InventoryLedger
	gateway  paymentGateway
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("payment service: inventory ledger is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
	}

	return &paymentService{
		lifecycleSupport: newLifecycleSupport(lifecycleOptions{
			UnitOfWork: deps.UnitOfWork,
			Dispatcher: deps.Dispatcher,
			Events:     deps.Events,
			Cache:      deps.Cache,
			Clock:      deps.Clock,
			IDGen:      deps.IDGenerator,
			Logger:     deps.Logger,
		}),
		orders:   deps.Orders,
		payments: deps.Payments,
		ledger:   deps.Ledger,
		gateway:  deps.Gateway,
	}, nil
}

func (s *paymentService) CreateGatewayOrder(ctx context.Context, cmd CreateGatewayOrderCommand) (payments.ExternalOrder, error) {
	if cmd.OrderID <= 0 {
		return payments.ExternalOrder{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return payments.ExternalOrder{}, mapRepositoryError(err)
	}
	if !canPayFor(cmd.Actor, order) {
		return payments.ExternalOrder{}, fmt.Errorf("%w: order %d", ErrNotFound, cmd.OrderID)
	}
	if order.Status != domain.OrderStatusPending {
		return payments.ExternalOrder{}, &TransitionError{From: order.Status, To: domain.OrderStatusPaid}
	}
	if order.PaymentExpiresAt != nil && !s.now().Before(*order.PaymentExpiresAt) {
		return payments.ExternalOrder{}, fmt.Errorf("%w: payment window for order %d has elapsed", ErrInvalidInput, order.ID)
	}

	ext, err := s.gateway.CreateOrder(ctx, payments.PaymentContext{PreferredProvider: cmd.Provider, Currency: order.Currency}, payments.CreateOrderRequest{
		OrderID:        order.ID,
		Amount:         order.Total,
		Currency:       order.Currency,
		CustomerEmail:  order.RecipientEmail(),
		IdempotencyKey: fmt.Sprintf("order-%d-%s", order.ID, order.Total.StringFixed(2)),
	})
	if err != nil {
		return payments.ExternalOrder{}, mapGatewayError(err)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByIDForUpdate(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if current.Status != domain.OrderStatusPending {
			return &TransitionError{From: current.Status, To: domain.OrderStatusPaid}
		}
		current.ExternalOrderID = ext.ID
		current.UpdatedAt = s.now()
		return mapRepositoryError(s.orders.Update(txCtx, current, domain.OrderStatusPending))
	})
	if err != nil {
		return payments.ExternalOrder{}, err
	}
	s.invalidateOrder(ctx, order.ID)
	return ext, nil
}

// FinalizePayment records a verified gateway payment exactly once per transaction id.
func (s *paymentService) FinalizePayment(ctx context.Context, cmd FinalizePaymentCommand) (PaymentResult, error) {
	ctx, span := observability.StartSpan(ctx, "services.FinalizePayment", attribute.Int64("order.id", cmd.OrderID))
	defer span.End()

	webhook := len(cmd.Payload) > 0
	if !webhook {
		if cmd.OrderID <= 0 {
			return PaymentResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
		}
		if strings.TrimSpace(cmd.TransactionID) == "" {
			return PaymentResult{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
		}
		existing, ok, err := s.existingPayment(ctx, cmd.TransactionID)
		if err != nil {
			return PaymentResult{}, err
		}
		if ok {
			return replayFor(existing, cmd.OrderID, cmd.Actor)
		}
	}

	verifyReq := payments.VerifyRequest{
		ExternalOrderID: strings.TrimSpace(cmd.ExternalOrderID),
		TransactionID:   strings.TrimSpace(cmd.TransactionID),
		Signature:       strings.TrimSpace(cmd.Signature),
		Payload:         cmd.Payload,
	}
	if cmd.OrderID > 0 {
		verifyReq.OrderID = cmd.OrderID
	}
	verified, err := s.gateway.VerifyPayment(ctx, payments.PaymentContext{PreferredProvider: cmd.Provider}, verifyReq)
	if err != nil {
		return PaymentResult{}, mapGatewayError(err)
	}

	orderID := verified.OrderID
	if orderID <= 0 {
		if cmd.OrderID <= 0 {
			return PaymentResult{}, fmt.Errorf("%w: payment does not reference an order", ErrSignatureInvalid)
		}
		orderID = cmd.OrderID
	}
	if cmd.OrderID > 0 && orderID != cmd.OrderID {
		return PaymentResult{}, fmt.Errorf("%w: payment belongs to another order", ErrSignatureInvalid)
	}
	txnID := strings.TrimSpace(verified.TransactionID)
	if txnID == "" {
		txnID = verifyReq.TransactionID
	}
	if txnID == "" {
		return PaymentResult{}, fmt.Errorf("%w: payment has no transaction id", ErrSignatureInvalid)
	}
	span.SetAttributes(attribute.Int64("order.id", orderID))

	if webhook {
		existing, ok, err := s.existingPayment(ctx, txnID)
		if err != nil {
			return PaymentResult{}, err
		}
		if ok {
			return replayFor(existing, orderID, cmd.Actor)
		}
	}

	var (
		payment  Payment
		order    Order
		previous domain.OrderStatus
		held     bool
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		previous = current.Status
		now := s.now()

		amount := verified.Amount
		if amount.IsZero() {
			amount = current.Total
		}
		if !amount.Equal(current.Total) {
			return fmt.Errorf("%w: paid amount %s does not match order total %s", ErrSignatureInvalid, amount.StringFixed(2), current.Total.StringFixed(2))
		}

		payment = Payment{
			OrderID:       current.ID,
			TransactionID: txnID,
			Amount:        amount,
			Currency:      firstNonEmpty(verified.Currency, current.Currency),
			Method:        firstNonEmpty(verified.Method, verified.Provider, "online"),
			Status:        domain.PaymentStatusSuccess,
			Mode:          domain.PaymentModeOnline,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		// Money captured for an order cancelled while the customer was paying is held for refund.
		held = current.Status == domain.OrderStatusCancelled
		if held {
			payment.Status = domain.PaymentStatusRefundPending
		}
		if err := s.payments.Insert(txCtx, &payment); err != nil {
			if isRepositoryConflict(err) {
				return errPaymentRace
			}
			return mapRepositoryError(err)
		}

		if held {
			current.ExternalPaymentID = txnID
			current.UpdatedAt = now
			if err := s.orders.Update(txCtx, current, previous); err != nil {
				return mapRepositoryError(err)
			}
			order = current
			return nil
		}

		if err := applyTransition(&current, domain.OrderStatusPaid, CauseFinalizer, now); err != nil {
			return err
		}
		current.ExternalOrderID = firstNonEmpty(verified.ExternalOrderID, verifyReq.ExternalOrderID, current.ExternalOrderID)
		current.ExternalPaymentID = txnID
		current.ExternalSignature = verifyReq.Signature
		if err := s.ledger.Reserve(txCtx, stockLinesFor(current)); err != nil {
			if errors.Is(err, ErrInsufficientStock) {
				s.logger(txCtx, "payment.finalize.stock_unavailable", map[string]any{
					"orderId":        current.ID,
					"transactionId":  txnID,
					"previousStatus": string(previous),
					"error":          err.Error(),
				})
			}
			return err
		}
		current.StockReservedAt = valuePtr(now)
		if err := s.orders.Update(txCtx, current, previous); err != nil {
			return mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if errors.Is(err, errPaymentRace) {
		existing, ok, lookupErr := s.existingPayment(ctx, txnID)
		if lookupErr != nil {
			return PaymentResult{}, lookupErr
		}
		if ok {
			return replayFor(existing, orderID, cmd.Actor)
		}
		return PaymentResult{}, fmt.Errorf("%w: transaction %s", ErrConflict, txnID)
	}
	if err != nil {
		return PaymentResult{}, err
	}
	if held {
		return s.afterPaymentHeld(ctx, payment, order, cmd.Actor), nil
	}

	return s.afterPaymentRecorded(ctx, payment, order, previous, cmd.Actor), nil
}

func (s *paymentService) RecordOfflinePayment(ctx context.Context, cmd RecordOfflinePaymentCommand) (PaymentResult, error) {
	if !cmd.Actor.IsAdmin() {
		return PaymentResult{}, fmt.Errorf("%w: admin privileges required", ErrForbidden)
	}
	if cmd.OrderID <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.Amount != nil && !cmd.Amount.IsPositive() {
		return PaymentResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	txnID := strings.TrimSpace(cmd.TransactionID)
	if txnID == "" {
		txnID = "offline_" + s.newID()
	} else if existing, ok, err := s.existingPayment(ctx, txnID); err != nil {
		return PaymentResult{}, err
	} else if ok {
		return replayFor(existing, cmd.OrderID, cmd.Actor)
	}

	var (
		payment  Payment
		order    Order
		previous domain.OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByIDForUpdate(txCtx, cmd.OrderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		previous = current.Status
		now := s.now()
		if err := applyTransition(&current, domain.OrderStatusPaid, CauseManual, now); err != nil {
			return err
		}

		amount := current.Total
		if cmd.Amount != nil {
			amount = *cmd.Amount
		}
		payment = Payment{
			OrderID:       current.ID,
			TransactionID: txnID,
			Amount:        amount,
			Currency:      current.Currency,
			Method:        firstNonEmpty(strings.TrimSpace(cmd.Method), defaultOfflineMethod),
			Status:        domain.PaymentStatusSuccess,
			Mode:          domain.PaymentModeOffline,
			RecordedBy:    cmd.Actor.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.payments.Insert(txCtx, &payment); err != nil {
			if isRepositoryConflict(err) {
				return errPaymentRace
			}
			return mapRepositoryError(err)
		}
		current.ExternalPaymentID = txnID
		if err := s.ledger.Reserve(txCtx, stockLinesFor(current)); err != nil {
			return err
		}
		current.StockReservedAt = valuePtr(now)
		if err := s.orders.Update(txCtx, current, previous); err != nil {
			return mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if errors.Is(err, errPaymentRace) {
		existing, ok, lookupErr := s.existingPayment(ctx, txnID)
		if lookupErr != nil {
			return PaymentResult{}, lookupErr
		}
		if ok {
			return replayFor(existing, cmd.OrderID, cmd.Actor)
		}
		return PaymentResult{}, fmt.Errorf("%w: transaction %s", ErrConflict, txnID)
	}
	if err != nil {
		return PaymentResult{}, err
	}

	return s.afterPaymentRecorded(ctx, payment, order, previous, cmd.Actor), nil
}

func (s *paymentService) afterPaymentRecorded(ctx context.Context, payment Payment, order Order, previous domain.OrderStatus, actor Actor) PaymentResult {
	s.invalidateOrder(ctx, order.ID)
	s.publishEvent(ctx, LifecycleEvent{
		Type:          lifecycleEventPaymentRecorded,
		OrderID:       order.ID,
		CurrentStatus: string(payment.Status),
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		Metadata: map[string]any{
			"transactionId": payment.TransactionID,
			"amount":        payment.Amount.String(),
			"mode":          string(payment.Mode),
		},
	})
	s.publishStatusChange(ctx, order, previous, actor, nil)
	popup := s.notify(ctx, EventPaymentSuccess, &order, actor, map[string]any{
		"payment": payment,
	})
	return PaymentResult{Payment: payment, Order: order, Created: true, Popup: popup}
}

// afterPaymentHeld records a payment that arrived after its order was cancelled.
// The order keeps its status and admins are asked to refund it.
func (s *paymentService) afterPaymentHeld(ctx context.Context, payment Payment, order Order, actor Actor) PaymentResult {
	s.logger(ctx, "payment.finalize.order_cancelled", map[string]any{
		"orderId":       order.ID,
		"transactionId": payment.TransactionID,
		"amount":        payment.Amount.String(),
	})
	s.invalidateOrder(ctx, order.ID)
	s.publishEvent(ctx, LifecycleEvent{
		Type:          lifecycleEventPaymentRecorded,
		OrderID:       order.ID,
		CurrentStatus: string(payment.Status),
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		Metadata: map[string]any{
			"transactionId": payment.TransactionID,
			"amount":        payment.Amount.String(),
			"mode":          string(payment.Mode),
			"orderStatus":   string(order.Status),
		},
	})
	s.notify(ctx, EventPaymentHeld, &order, actor, map[string]any{
		"payment":       payment,
		"admin_message": fmt.Sprintf("payment %s of %s %s arrived after order #%d was cancelled; refund required", payment.TransactionID, payment.Amount.StringFixed(2), payment.Currency, order.ID),
	})
	return PaymentResult{Payment: payment, Order: order, Created: true}
}

// replayFor returns a previously recorded payment only to a caller entitled to it.
// System actors arrive through a verified gateway callback.
func replayFor(existing PaymentResult, orderID int64, actor Actor) (PaymentResult, error) {
	entitled := actor.Role == domain.ActorRoleSystem || canPayFor(actor, existing.Order)
	if existing.Payment.OrderID != orderID || !entitled {
		return PaymentResult{}, fmt.Errorf("%w: order %d", ErrNotFound, orderID)
	}
	return existing, nil
}

// existingPayment returns the stored payment for txnID along with its order.
func (s *paymentService) existingPayment(ctx context.Context, txnID string) (PaymentResult, bool, error) {
	existing, err := s.payments.FindByTransactionID(ctx, strings.TrimSpace(txnID))
	if err != nil {
		if isRepositoryNotFound(err) {
			return PaymentResult{}, false, nil
		}
		return PaymentResult{}, false, mapRepositoryError(err)
	}
	order, err := s.orders.FindByID(ctx, existing.OrderID)
	if err != nil {
		return PaymentResult{}, false, mapRepositoryError(err)
	}
	return PaymentResult{Payment: existing, Order: order}, true, nil
}

// canPayFor reports whether actor may open a gateway order. Guest orders are payable by whoever holds the id.
func canPayFor(actor Actor, order Order) bool {
	if actor.IsAdmin() || order.UserID == nil {
		return true
	}
	return ownsOrder(actor, order)
}

// mapGatewayError hides gateway details behind service sentinels.
func mapGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, payments.ErrEventIgnored):
		return ErrWebhookIgnored
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return fmt.Errorf("%w: unsupported payment provider", ErrInvalidInput)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrGatewayError, err)
	default:
		return fmt.Errorf("%w: gateway request failed", ErrGatewayError)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func decimalPtr(v decimal.Decimal) *decimal.Decimal {
	return &v
}
