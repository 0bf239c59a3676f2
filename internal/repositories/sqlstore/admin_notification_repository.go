package sqlstore

import (
	"context"
	"strings"

	"gorm.io/gorm"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

const defaultAdminNotificationLimit = 50

// AdminNotificationRepository persists admin in-app notifications.
type AdminNotificationRepository struct {
	db *gorm.DB
}

var _ repositories.AdminNotificationRepository = (*AdminNotificationRepository)(nil)

func (r *AdminNotificationRepository) Insert(ctx context.Context, notification domain.AdminNotification) error {
	model := newAdminNotificationModel(notification)
	if err := sqldb.Conn(ctx, r.db).Create(&model).Error; err != nil {
		return sqldb.WrapError("admin_notifications.insert", err)
	}
	return nil
}

func (r *AdminNotificationRepository) List(ctx context.Context, filter repositories.AdminNotificationFilter) ([]domain.AdminNotification, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAdminNotificationLimit
	}
	query := sqldb.Conn(ctx, r.db).Model(&adminNotificationModel{})
	if filter.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var models []adminNotificationModel
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, sqldb.WrapError("admin_notifications.list", err)
	}
	out := make([]domain.AdminNotification, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r *AdminNotificationRepository) MarkRead(ctx context.Context, notificationID string) error {
	result := sqldb.Conn(ctx, r.db).Model(&adminNotificationModel{}).
		Where("id = ?", strings.TrimSpace(notificationID)).
		Update("is_read", true)
	if result.Error != nil {
		return sqldb.WrapError("admin_notifications.mark_read", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := sqldb.Conn(ctx, r.db).Model(&adminNotificationModel{}).Where("id = ?", notificationID).Count(&count).Error; err != nil {
			return sqldb.WrapError("admin_notifications.mark_read", err)
		}
		if count == 0 {
			return sqldb.NotFound("admin_notifications.mark_read", "notification %s not found", notificationID)
		}
	}
	return nil
}
