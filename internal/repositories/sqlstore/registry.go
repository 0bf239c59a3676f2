package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

// Registry implements repositories.Registry on top of a gorm connection pool.
type Registry struct {
	db  *gorm.DB
	uow *sqldb.UnitOfWork

	orders        *OrderRepository
	books         *BookRepository
	payments      *PaymentRepository
	cancellations *CancellationRepository
	ebooks        *EbookPurchaseRepository
	notifications *AdminNotificationRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository over db.
func NewRegistry(db *gorm.DB, opts ...sqldb.TxOption) (*Registry, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db is required")
	}
	return &Registry{
		db:            db,
		uow:           sqldb.NewUnitOfWork(db, opts...),
		orders:        &OrderRepository{db: db},
		books:         &BookRepository{db: db},
		payments:      &PaymentRepository{db: db},
		cancellations: &CancellationRepository{db: db},
		ebooks:        &EbookPurchaseRepository{db: db},
		notifications: &AdminNotificationRepository{db: db},
	}, nil
}

// Migrate creates or updates the schema for every managed table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("sqlstore: db is required")
	}
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// DB exposes the underlying connection, mainly for seeding fixtures.
func (r *Registry) DB() *gorm.DB { return r.db }

func (r *Registry) Close(context.Context) error { return sqldb.Close(r.db) }

func (r *Registry) Ping(ctx context.Context) error {
	return sqldb.WrapError("ping", sqldb.Ping(ctx, r.db))
}

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Books() repositories.BookRepository { return r.books }

func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }

func (r *Registry) Cancellations() repositories.CancellationRepository { return r.cancellations }

func (r *Registry) EbookPurchases() repositories.EbookPurchaseRepository { return r.ebooks }

func (r *Registry) AdminNotifications() repositories.AdminNotificationRepository {
	return r.notifications
}
