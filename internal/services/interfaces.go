package services

import (
	"context"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/repositories"
	"github.com/shopspring/decimal"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination          = domain.Pagination
	Order               = domain.Order
	OrderItem           = domain.OrderItem
	OrderStatus         = domain.OrderStatus
	Address             = domain.Address
	Payment             = domain.Payment
	CancellationRequest = domain.CancellationRequest
	EbookPurchase       = domain.EbookPurchase
	AdminNotification   = domain.AdminNotification
	Actor               = domain.Actor
)

// OrderService places orders and drives their status through the lifecycle table.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (OrderResult, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (OrderResult, error)
	CancelByUser(ctx context.Context, cmd CancelOrderCommand) (OrderResult, error)
}

// PaymentService bridges gateway confirmations and local order state.
type PaymentService interface {
	CreateGatewayOrder(ctx context.Context, cmd CreateGatewayOrderCommand) (payments.ExternalOrder, error)
	FinalizePayment(ctx context.Context, cmd FinalizePaymentCommand) (PaymentResult, error)
	RecordOfflinePayment(ctx context.Context, cmd RecordOfflinePaymentCommand) (PaymentResult, error)
}

// CancellationService runs the customer cancellation and admin refund workflow.
type CancellationService interface {
	RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (CancellationResult, error)
	ApproveCancellation(ctx context.Context, cmd DecideCancellationCommand) (CancellationResult, error)
	RejectCancellation(ctx context.Context, cmd DecideCancellationCommand) (CancellationResult, error)
	ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (RefundOutcome, error)
}

// InventoryLedger mutates book stock. Both operations must run inside the caller's transaction.
type InventoryLedger interface {
	Reserve(ctx context.Context, lines []StockLine) error
	// Restore returns false when the order's stock was never reserved or was already restored.
	Restore(ctx context.Context, orderID int64) (bool, error)
}

// NotificationDispatcher fans lifecycle events out to notification channels.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) *PopupPayload
}

// ExpirySweeper expires stale unpaid orders and purchases.
type ExpirySweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// AdminNotificationService lists and acknowledges admin in-app notifications.
type AdminNotificationService interface {
	List(ctx context.Context, filter repositories.AdminNotificationFilter) ([]AdminNotification, error)
	MarkRead(ctx context.Context, notificationID string) error
}

// Cache stores serialised read models. Implementations live in platform/cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, prefix string) error
}

// LifecycleEvent is published to the event bus after a committed state change.
type LifecycleEvent struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OrderID        int64          `json:"orderId,omitempty"`
	PurchaseID     int64          `json:"purchaseId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	ActorRole      string         `json:"actorRole,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// LifecycleEventPublisher publishes lifecycle events for downstream consumers.
type LifecycleEventPublisher interface {
	PublishLifecycleEvent(ctx context.Context, event LifecycleEvent) error
}

// paymentGateway abstracts payments.Manager for easier testing.
type paymentGateway interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CreateOrderRequest) (payments.ExternalOrder, error)
	VerifyPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.VerifyRequest) (payments.VerifiedPayment, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error)
}

// StockLine is one book quantity to reserve.
type StockLine struct {
	BookID   int64
	Quantity int
}

// CartLine is a requested book and quantity at checkout.
type CartLine struct {
	BookID   int64
	Quantity int
}

// PlaceOrderCommand creates a pending order for a registered user or a guest.
type PlaceOrderCommand struct {
	Actor           Actor
	AddressID       *int64
	ShippingAddress *Address
	GuestName       string
	GuestEmail      string
	Items           []CartLine
}

// GetOrderCommand reads one order; non-admin actors may only read their own.
type GetOrderCommand struct {
	Actor   Actor
	OrderID int64
}

// ListOrdersCommand lists orders; non-admin actors are scoped to their own orders.
type ListOrdersCommand struct {
	Actor      Actor
	Status     []OrderStatus
	Pagination Pagination
}

// TransitionOrderCommand requests a status change from an admin or system actor.
type TransitionOrderCommand struct {
	Actor   Actor
	OrderID int64
	Target  OrderStatus
	Reason  string
	Extra   map[string]any
}

// CancelOrderCommand is the self-service direct cancel.
type CancelOrderCommand struct {
	Actor   Actor
	OrderID int64
	Reason  string
}

// OrderResult pairs the updated order with the popup payload for the acting user.
type OrderResult struct {
	Order Order
	Popup *PopupPayload
}

// CreateGatewayOrderCommand opens a gateway order for a pending order.
type CreateGatewayOrderCommand struct {
	Actor    Actor
	OrderID  int64
	Provider string
}

// FinalizePaymentCommand carries gateway confirmation material. For webhook deliveries OrderID
// and TransactionID may be empty; they are taken from the verified payload.
type FinalizePaymentCommand struct {
	Actor           Actor
	OrderID         int64
	ExternalOrderID string
	TransactionID   string
	Signature       string
	Payload         []byte
	Provider        string
}

// RecordOfflinePaymentCommand records money received outside the gateway.
type RecordOfflinePaymentCommand struct {
	Actor         Actor
	OrderID       int64
	TransactionID string
	Method        string
	Amount        *decimal.Decimal
}

// PaymentResult reports the payment and whether this call created it.
type PaymentResult struct {
	Payment Payment
	Order   Order
	Created bool
	Popup   *PopupPayload
}

// RequestCancellationCommand is a customer's cancellation request.
type RequestCancellationCommand struct {
	Actor   Actor
	OrderID int64
	Reason  string
	Notes   string
}

// DecideCancellationCommand approves or rejects a pending request.
type DecideCancellationCommand struct {
	Actor      Actor
	RequestID  int64
	AdminNotes string
}

// CancellationResult pairs the request with the acting user's popup.
type CancellationResult struct {
	Request CancellationRequest
	Popup   *PopupPayload
}

// RefundAmountSpec selects a full refund or a partial amount.
type RefundAmountSpec struct {
	Full   bool
	Amount decimal.Decimal
}

// ProcessRefundCommand refunds an order with an active cancellation request.
type ProcessRefundCommand struct {
	Actor      Actor
	OrderID    int64
	Amount     RefundAmountSpec
	AdminNotes string
}

// RefundOutcome reports every record the refund touched.
type RefundOutcome struct {
	Order   Order
	Payment Payment
	Request CancellationRequest
	Popup   *PopupPayload
}

// SweepResult counts rows expired by one sweep.
type SweepResult struct {
	OrdersExpired    int
	PurchasesExpired int
	Skipped          int
}
