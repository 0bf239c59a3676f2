package sqlstore

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

// PaymentRepository persists payment records.
type PaymentRepository struct {
	db *gorm.DB
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Insert(ctx context.Context, payment *domain.Payment) error {
	if payment == nil {
		return errors.New("payment insert: payment is nil")
	}
	if strings.TrimSpace(payment.TransactionID) == "" {
		return errors.New("payment insert: transaction id is required")
	}
	model := newPaymentModel(*payment)
	if err := sqldb.Conn(ctx, r.db).Create(&model).Error; err != nil {
		return sqldb.WrapError("payments.insert", err)
	}
	payment.ID = model.ID
	return nil
}

func (r *PaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	var model paymentModel
	if err := sqldb.Conn(ctx, r.db).First(&model, "transaction_id = ?", strings.TrimSpace(transactionID)).Error; err != nil {
		return domain.Payment{}, sqldb.WrapError("payments.find_by_transaction", err)
	}
	return model.toDomain(), nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error) {
	var models []paymentModel
	if err := sqldb.Conn(ctx, r.db).Where("order_id = ?", orderID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, sqldb.WrapError("payments.list_by_order", err)
	}
	out := make([]domain.Payment, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	if payment.ID == 0 {
		return errors.New("payment update: id is required")
	}
	model := newPaymentModel(payment)
	result := sqldb.Conn(ctx, r.db).Model(&paymentModel{}).Where("id = ?", payment.ID).Updates(map[string]any{
		"status":           model.Status,
		"active_key":       model.ActiveKey,
		"refund_reference": model.RefundReference,
		"refunded_amount":  model.RefundedAmount,
		"recorded_by":      model.RecordedBy,
		"updated_at":       model.UpdatedAt,
	})
	if result.Error != nil {
		return sqldb.WrapError("payments.update", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := sqldb.Conn(ctx, r.db).Model(&paymentModel{}).Where("id = ?", payment.ID).Count(&count).Error; err != nil {
			return sqldb.WrapError("payments.update", err)
		}
		if count == 0 {
			return sqldb.NotFound("payments.update", "payment %d not found", payment.ID)
		}
	}
	return nil
}
