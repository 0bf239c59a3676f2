package sqlstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

// CancellationRepository persists cancellation requests. The nullable active_order_id unique
// column allows at most one pending or approved request per order.
type CancellationRepository struct {
	db *gorm.DB
}

var _ repositories.CancellationRepository = (*CancellationRepository)(nil)

func (r *CancellationRepository) Insert(ctx context.Context, request *domain.CancellationRequest) error {
	if request == nil {
		return errors.New("cancellation insert: request is nil")
	}
	model := newCancellationModel(*request)
	if err := sqldb.Conn(ctx, r.db).Create(&model).Error; err != nil {
		return sqldb.WrapError("cancellations.insert", err)
	}
	request.ID = model.ID
	return nil
}

func (r *CancellationRepository) FindByID(ctx context.Context, requestID int64) (domain.CancellationRequest, error) {
	var model cancellationModel
	if err := sqldb.Conn(ctx, r.db).First(&model, "id = ?", requestID).Error; err != nil {
		return domain.CancellationRequest{}, sqldb.WrapError("cancellations.find", err)
	}
	return model.toDomain(), nil
}

func (r *CancellationRepository) FindActiveByOrder(ctx context.Context, orderID int64) (domain.CancellationRequest, error) {
	var model cancellationModel
	if err := sqldb.Conn(ctx, r.db).First(&model, "active_order_id = ?", orderID).Error; err != nil {
		return domain.CancellationRequest{}, sqldb.WrapError("cancellations.find_active", err)
	}
	return model.toDomain(), nil
}

func (r *CancellationRepository) Update(ctx context.Context, request domain.CancellationRequest, expected domain.CancellationStatus) error {
	model := newCancellationModel(request)
	result := sqldb.Conn(ctx, r.db).Model(&cancellationModel{}).
		Where("id = ? AND status = ?", request.ID, string(expected)).
		Updates(map[string]any{
			"status":           model.Status,
			"active_order_id":  model.ActiveOrderID,
			"refund_amount":    model.RefundAmount,
			"refund_method":    model.RefundMethod,
			"refund_reference": model.RefundReference,
			"admin_notes":      model.AdminNotes,
			"processed_by":     model.ProcessedBy,
			"processed_at":     model.ProcessedAt,
		})
	if result.Error != nil {
		return sqldb.WrapError("cancellations.update", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var current cancellationModel
	if err := sqldb.Conn(ctx, r.db).Select("id", "status").First(&current, "id = ?", request.ID).Error; err != nil {
		return sqldb.WrapError("cancellations.update", err)
	}
	if current.Status == string(expected) {
		return nil
	}
	return sqldb.Conflict("cancellations.update", "request %d status is %s, expected %s", request.ID, current.Status, expected)
}
