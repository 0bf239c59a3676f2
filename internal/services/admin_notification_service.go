package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bookhaven/api/internal/repositories"
)

const (
	defaultAdminNotificationLimit = 50
	maxAdminNotificationLimit     = 200
)

type adminNotificationService struct {
	repo repositories.AdminNotificationRepository
}

// NewAdminNotificationService exposes the admin in-app notification feed.
func NewAdminNotificationService(repo repositories.AdminNotificationRepository) (AdminNotificationService, error) {
	if repo == nil {
		return nil, errors.New("admin notification service: repository is required")
	}
	return &adminNotificationService{repo: repo}, nil
}

func (s *adminNotificationService) List(ctx context.Context, filter repositories.AdminNotificationFilter) ([]AdminNotification, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultAdminNotificationLimit
	case filter.Limit > maxAdminNotificationLimit:
		filter.Limit = maxAdminNotificationLimit
	}
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return items, nil
}

func (s *adminNotificationService) MarkRead(ctx context.Context, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return fmt.Errorf("%w: notification id is required", ErrInvalidInput)
	}
	return mapRepositoryError(s.repo.MarkRead(ctx, notificationID))
}
