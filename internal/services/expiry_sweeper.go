package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/repositories"
)

const (
	defaultSweepBatchSize = 100
	maxSweepBatches       = 50
)

// ExpirySweeperDeps bundles collaborators required to construct the expiry sweeper.
type ExpirySweeperDeps struct {
	Orders     repositories.OrderRepository
	Purchases  repositories.EbookPurchaseRepository
	UnitOfWork repositories.UnitOfWork
	Events     LifecycleEventPublisher
	Cache      Cache
	Threshold  time.Duration
	BatchSize  int
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type expirySweeper struct {
	lifecycleSupport
	orders    repositories.OrderRepository
	purchases repositories.EbookPurchaseRepository
	threshold time.Duration
	batchSize int
}

var systemSweeper = Actor{ID: "expiry-sweeper", Role: domain.ActorRoleSystem}

// NewExpirySweeper wires dependencies into a concrete ExpirySweeper implementation.
func NewExpirySweeper(deps ExpirySweeperDeps) (ExpirySweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("expiry sweeper: order repository is required")
	}

	threshold := deps.Threshold
	if threshold <= 0 {
		threshold = defaultExpiryWindow
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}

	return &expirySweeper{
		lifecycleSupport: newLifecycleSupport(lifecycleOptions{
			UnitOfWork: deps.UnitOfWork,
			Events:     deps.Events,
			Cache:      deps.Cache,
			Clock:      deps.Clock,
			Logger:     deps.Logger,
		}),
		orders:    deps.Orders,
		purchases: deps.Purchases,
		threshold: threshold,
		batchSize: batch,
	}, nil
}

// Sweep expires pending orders and ebook purchases created before now minus the threshold.
// A row that a concurrent payment already moved out of pending is counted as skipped.
func (s *expirySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := observability.StartSpan(ctx, "services.ExpirySweep")
	defer span.End()

	cutoff := s.now().Add(-s.threshold)
	var result SweepResult

	if err := s.sweepOrders(ctx, cutoff, &result); err != nil {
		return result, err
	}
	if err := s.sweepPurchases(ctx, cutoff, &result); err != nil {
		return result, err
	}

	span.SetAttributes(
		attribute.Int("sweep.orders_expired", result.OrdersExpired),
		attribute.Int("sweep.purchases_expired", result.PurchasesExpired),
		attribute.Int("sweep.skipped", result.Skipped),
	)
	if result.OrdersExpired+result.PurchasesExpired+result.Skipped > 0 {
		s.logger(ctx, "sweeper.completed", map[string]any{
			"ordersExpired":    result.OrdersExpired,
			"purchasesExpired": result.PurchasesExpired,
			"skipped":          result.Skipped,
			"cutoff":           cutoff,
		})
	}
	return result, nil
}

func (s *expirySweeper) sweepOrders(ctx context.Context, cutoff time.Time, result *SweepResult) error {
	for range maxSweepBatches {
		stale, err := s.orders.ListStalePending(ctx, cutoff, s.batchSize)
		if err != nil {
			return mapRepositoryError(err)
		}
		for _, candidate := range stale {
			order, expired, err := s.expireOrder(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !expired {
				result.Skipped++
				continue
			}
			result.OrdersExpired++
			s.invalidateOrder(ctx, order.ID)
			s.publishStatusChange(ctx, order, domain.OrderStatusPending, systemSweeper, map[string]any{
				"cutoff": cutoff,
			})
		}
		if len(stale) < s.batchSize {
			return nil
		}
	}
	return nil
}

func (s *expirySweeper) expireOrder(ctx context.Context, orderID int64) (Order, bool, error) {
	var (
		order   Order
		expired bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if current.Status != domain.OrderStatusPending {
			return nil
		}
		if err := applyTransition(&current, domain.OrderStatusExpired, CauseSweeper, s.now()); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, current, domain.OrderStatusPending); err != nil {
			if isRepositoryConflict(err) {
				return nil
			}
			return mapRepositoryError(err)
		}
		order = current
		expired = true
		return nil
	})
	return order, expired, err
}

func (s *expirySweeper) sweepPurchases(ctx context.Context, cutoff time.Time, result *SweepResult) error {
	if s.purchases == nil {
		return nil
	}
	for range maxSweepBatches {
		stale, err := s.purchases.ListStalePending(ctx, cutoff, s.batchSize)
		if err != nil {
			return mapRepositoryError(err)
		}
		for _, purchase := range stale {
			err := s.purchases.UpdateStatus(ctx, purchase.ID, domain.EbookPurchasePending, domain.EbookPurchaseExpired, s.now())
			if err != nil {
				if isRepositoryConflict(err) {
					result.Skipped++
					continue
				}
				return mapRepositoryError(err)
			}
			result.PurchasesExpired++
			s.publishEvent(ctx, LifecycleEvent{
				Type:           lifecycleEventPurchaseExpired,
				PurchaseID:     purchase.ID,
				PreviousStatus: string(domain.EbookPurchasePending),
				CurrentStatus:  string(domain.EbookPurchaseExpired),
				ActorID:        systemSweeper.ID,
				ActorRole:      string(systemSweeper.Role),
			})
		}
		if len(stale) < s.batchSize {
			return nil
		}
	}
	return nil
}
