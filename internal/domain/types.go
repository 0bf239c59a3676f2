package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines keyset paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusShipped           OrderStatus = "shipped"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusFailed            OrderStatus = "failed"
	OrderStatusRefunded          OrderStatus = "refunded"
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
	OrderStatusExpired           OrderStatus = "expired"
)

// OrderOrigin records which surface placed the order.
type OrderOrigin string

const (
	OrderOriginUser         OrderOrigin = "user"
	OrderOriginGuest        OrderOrigin = "guest"
	OrderOriginAdminOffline OrderOrigin = "admin-offline"
)

// Address is the inlined shipping address used by guest checkouts.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Order is the aggregate root of the purchase lifecycle. Orders are never deleted;
// cancellation and refunds are status transitions.
type Order struct {
	ID                int64
	UserID            *string
	UserEmail         string
	GuestName         string
	GuestEmail        string
	AddressID         *int64
	ShippingAddress   *Address
	Items             []OrderItem
	Currency          string
	Subtotal          decimal.Decimal
	Shipping          decimal.Decimal
	Total             decimal.Decimal
	Status            OrderStatus
	Origin            OrderOrigin
	ExternalOrderID   string
	ExternalPaymentID string
	ExternalSignature string
	CancelledBy       string
	ReminderSent      bool
	PaymentExpiresAt  *time.Time
	StockReservedAt   *time.Time
	StockRestoredAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
}

// RecipientEmail resolves the customer address used for user-facing email.
func (o Order) RecipientEmail() string {
	if o.UserEmail != "" {
		return o.UserEmail
	}
	return o.GuestEmail
}

// OrderItem is a snapshot of a book line at purchase time. Price does not follow catalog changes.
type OrderItem struct {
	ID        int64
	OrderID   int64
	BookID    int64
	Title     string
	UnitPrice decimal.Decimal
	Quantity  int
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// PaymentStatus enumerates the states of a recorded payment.
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusSuccess       PaymentStatus = "success"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	PaymentStatusRefunded      PaymentStatus = "refunded"
)

// PaymentMode distinguishes gateway payments from manually recorded ones.
type PaymentMode string

const (
	PaymentModeOnline  PaymentMode = "online"
	PaymentModeOffline PaymentMode = "offline"
)

// Payment records money received for an order. TransactionID is globally unique and
// acts as the deduplication key for repeated gateway confirmations.
type Payment struct {
	ID              int64
	OrderID         int64
	TransactionID   string
	Amount          decimal.Decimal
	Currency        string
	Method          string
	Status          PaymentStatus
	Mode            PaymentMode
	RefundReference string
	RefundedAmount  decimal.Decimal
	RecordedBy      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CancellationStatus enumerates the states of a customer cancellation request.
type CancellationStatus string

const (
	CancellationStatusPending  CancellationStatus = "pending"
	CancellationStatusApproved CancellationStatus = "approved"
	CancellationStatusRejected CancellationStatus = "rejected"
	CancellationStatusRefunded CancellationStatus = "refunded"
)

// CancellationRequest is a customer-initiated request that an admin decides on.
type CancellationRequest struct {
	ID              int64
	OrderID         int64
	UserID          string
	Reason          string
	Notes           string
	Status          CancellationStatus
	RefundAmount    *decimal.Decimal
	RefundMethod    string
	RefundReference string
	AdminNotes      string
	ProcessedBy     string
	RequestedAt     time.Time
	ProcessedAt     *time.Time
}

// IsActive reports whether the request still blocks a new request for the same order.
func (r CancellationRequest) IsActive() bool {
	return r.Status == CancellationStatusPending || r.Status == CancellationStatusApproved
}

// BookFormat distinguishes physical stock from digital downloads.
type BookFormat string

const (
	BookFormatPhysical BookFormat = "physical"
	BookFormatDigital  BookFormat = "digital"
)

// Book is the catalog entity carrying the stock counter.
type Book struct {
	ID     int64
	Title  string
	Format BookFormat
	Price  decimal.Decimal
	Stock  int
}

// EbookPurchaseStatus enumerates digital purchase states.
type EbookPurchaseStatus string

const (
	EbookPurchasePending   EbookPurchaseStatus = "pending"
	EbookPurchaseCompleted EbookPurchaseStatus = "completed"
	EbookPurchaseExpired   EbookPurchaseStatus = "expired"
)

// EbookPurchase is a single-title digital purchase. It has no stock and no shipping.
type EbookPurchase struct {
	ID        int64
	UserID    string
	BookID    int64
	Amount    decimal.Decimal
	Status    EbookPurchaseStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AdminNotification is the persisted record behind the admin in-app channel.
type AdminNotification struct {
	ID        string
	Event     string
	OrderID   *int64
	Title     string
	Message   string
	Read      bool
	CreatedAt time.Time
}

// ActorRole classifies who initiated an operation.
type ActorRole string

const (
	ActorRoleGuest  ActorRole = "guest"
	ActorRoleUser   ActorRole = "user"
	ActorRoleAdmin  ActorRole = "admin"
	ActorRoleSystem ActorRole = "system"
)

// Actor identifies the principal performing a lifecycle operation.
type Actor struct {
	ID    string
	Email string
	Name  string
	Role  ActorRole
}

// IsAdmin reports whether the actor carries elevated privileges.
func (a Actor) IsAdmin() bool {
	return a.Role == ActorRoleAdmin
}
