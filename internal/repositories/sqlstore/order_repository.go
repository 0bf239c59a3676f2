package sqlstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/pagination"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

// OrderRepository persists orders and their line items.
type OrderRepository struct {
	db *gorm.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Insert(ctx context.Context, order *domain.Order) error {
	if order == nil {
		return errors.New("order insert: order is nil")
	}
	if len(order.Items) == 0 {
		return errors.New("order insert: at least one item is required")
	}
	model := newOrderModel(*order)
	if err := sqldb.Conn(ctx, r.db).Create(&model).Error; err != nil {
		return sqldb.WrapError("orders.insert", err)
	}
	order.ID = model.ID
	for i := range order.Items {
		order.Items[i].ID = model.Items[i].ID
		order.Items[i].OrderID = model.ID
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	return r.find(ctx, "orders.find", orderID, false)
}

func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, orderID int64) (domain.Order, error) {
	return r.find(ctx, "orders.find_for_update", orderID, true)
}

func (r *OrderRepository) find(ctx context.Context, op string, orderID int64, lock bool) (domain.Order, error) {
	query := sqldb.Conn(ctx, r.db).Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	})
	if lock {
		query = query.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	var model orderModel
	if err := query.First(&model, "id = ?", orderID).Error; err != nil {
		return domain.Order{}, sqldb.WrapError(op, err)
	}
	return model.toDomain(), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}

	query := sqldb.Conn(ctx, r.db).Model(&orderModel{}).Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", strings.TrimSpace(*filter.UserID))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	if cursor.AfterID > 0 {
		query = query.Where("id < ?", cursor.AfterID)
	}

	var models []orderModel
	if err := query.Order("id DESC").Limit(pageSize + 1).Find(&models).Error; err != nil {
		return domain.CursorPage[domain.Order]{}, sqldb.WrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(models), pageSize))}
	for i, model := range models {
		if i == pageSize {
			token, err := pagination.EncodeToken(pagination.Cursor{AfterID: models[pageSize-1].ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, model.toDomain())
	}
	return page, nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	model := newOrderModel(order)
	result := sqldb.Conn(ctx, r.db).Model(&orderModel{}).
		Where("id = ? AND status = ?", order.ID, string(expected)).
		Updates(model.mutableColumns())
	if result.Error != nil {
		return sqldb.WrapError("orders.update", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// MySQL reports zero affected rows when the values are unchanged, so re-read before declaring a conflict.
	var current orderModel
	if err := sqldb.Conn(ctx, r.db).Select("id", "status").First(&current, "id = ?", order.ID).Error; err != nil {
		return sqldb.WrapError("orders.update", err)
	}
	if current.Status == string(expected) {
		return nil
	}
	return sqldb.Conflict("orders.update", "order %d status is %s, expected %s", order.ID, current.Status, expected)
}

func (r *OrderRepository) MarkStockRestored(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	result := sqldb.Conn(ctx, r.db).Model(&orderModel{}).
		Where("id = ? AND stock_reserved_at IS NOT NULL AND stock_restored_at IS NULL", orderID).
		Update("stock_restored_at", at.UTC())
	if result.Error != nil {
		return false, sqldb.WrapError("orders.mark_stock_restored", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *OrderRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = pagination.DefaultMaxPageSize
	}
	var models []orderModel
	err := sqldb.Conn(ctx, r.db).
		Where("status = ? AND created_at < ?", string(domain.OrderStatusPending), cutoff.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, sqldb.WrapError("orders.list_stale_pending", err)
	}
	out := make([]domain.Order, 0, len(models))
	for _, model := range models {
		out = append(out, model.toDomain())
	}
	return out, nil
}
