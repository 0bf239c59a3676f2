package repositories

import (
	"context"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	Orders() OrderRepository
	Books() BookRepository
	Payments() PaymentRepository
	Cancellations() CancellationRepository
	EbookPurchases() EbookPurchaseRepository
	AdminNotifications() AdminNotificationRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories invoked with
// the context passed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     *string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// OrderRepository persists orders and their line items.
type OrderRepository interface {
	// Insert stores the order and its items, assigning identifiers in place.
	Insert(ctx context.Context, order *domain.Order) error
	FindByID(ctx context.Context, orderID int64) (domain.Order, error)
	// FindByIDForUpdate behaves like FindByID but row-locks the order within the active transaction.
	FindByIDForUpdate(ctx context.Context, orderID int64) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Update persists mutable order columns only when the stored status still equals expected.
	// A status mismatch is reported as a conflict.
	Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error
	// MarkStockRestored stamps stock_restored_at when stock was reserved and not yet restored.
	// It returns false when the guard did not match.
	MarkStockRestored(ctx context.Context, orderID int64, at time.Time) (bool, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

// BookRepository mutates the stock counter on catalog books.
type BookRepository interface {
	FindByIDs(ctx context.Context, bookIDs []int64) ([]domain.Book, error)
	// DecrementStock subtracts quantity only when enough stock is available, in one statement.
	DecrementStock(ctx context.Context, bookID int64, quantity int) error
	IncrementStock(ctx context.Context, bookID int64, quantity int) error
}

// PaymentRepository persists payment records.
type PaymentRepository interface {
	// Insert stores the payment. A duplicate transaction id is reported as a conflict.
	Insert(ctx context.Context, payment *domain.Payment) error
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error)
	Update(ctx context.Context, payment domain.Payment) error
}

// CancellationRepository persists cancellation requests.
type CancellationRepository interface {
	// Insert stores the request. A second active request for the same order is reported as a conflict.
	Insert(ctx context.Context, request *domain.CancellationRequest) error
	FindByID(ctx context.Context, requestID int64) (domain.CancellationRequest, error)
	FindActiveByOrder(ctx context.Context, orderID int64) (domain.CancellationRequest, error)
	// Update persists the request only when the stored status equals expected.
	Update(ctx context.Context, request domain.CancellationRequest, expected domain.CancellationStatus) error
}

// EbookPurchaseRepository persists digital purchases.
type EbookPurchaseRepository interface {
	Insert(ctx context.Context, purchase *domain.EbookPurchase) error
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.EbookPurchase, error)
	// UpdateStatus moves a purchase from one status to another; a mismatch is reported as a conflict.
	UpdateStatus(ctx context.Context, purchaseID int64, from, to domain.EbookPurchaseStatus, at time.Time) error
}

// AdminNotificationFilter narrows admin notification listings.
type AdminNotificationFilter struct {
	UnreadOnly bool
	Limit      int
}

// AdminNotificationRepository persists admin in-app notifications.
type AdminNotificationRepository interface {
	Insert(ctx context.Context, notification domain.AdminNotification) error
	List(ctx context.Context, filter AdminNotificationFilter) ([]domain.AdminNotification, error)
	MarkRead(ctx context.Context, notificationID string) error
}
