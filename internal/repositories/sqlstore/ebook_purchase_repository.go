package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/pagination"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

// EbookPurchaseRepository persists digital purchases.
type EbookPurchaseRepository struct {
	db *gorm.DB
}

var _ repositories.EbookPurchaseRepository = (*EbookPurchaseRepository)(nil)

func (r *EbookPurchaseRepository) Insert(ctx context.Context, purchase *domain.EbookPurchase) error {
	if purchase == nil {
		return errors.New("ebook purchase insert: purchase is nil")
	}
	model := newEbookPurchaseModel(*purchase)
	if err := sqldb.Conn(ctx, r.db).Create(&model).Error; err != nil {
		return sqldb.WrapError("ebook_purchases.insert", err)
	}
	purchase.ID = model.ID
	return nil
}

func (r *EbookPurchaseRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.EbookPurchase, error) {
	if limit <= 0 {
		limit = pagination.DefaultMaxPageSize
	}
	var models []ebookPurchaseModel
	err := sqldb.Conn(ctx, r.db).
		Where("status = ? AND created_at < ?", string(domain.EbookPurchasePending), cutoff.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, sqldb.WrapError("ebook_purchases.list_stale_pending", err)
	}
	out := make([]domain.EbookPurchase, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r *EbookPurchaseRepository) UpdateStatus(ctx context.Context, purchaseID int64, from, to domain.EbookPurchaseStatus, at time.Time) error {
	result := sqldb.Conn(ctx, r.db).Model(&ebookPurchaseModel{}).
		Where("id = ? AND status = ?", purchaseID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": at.UTC()})
	if result.Error != nil {
		return sqldb.WrapError("ebook_purchases.update_status", result.Error)
	}
	if result.RowsAffected == 0 {
		return sqldb.Conflict("ebook_purchases.update_status", "purchase %d is no longer %s", purchaseID, from)
	}
	return nil
}
