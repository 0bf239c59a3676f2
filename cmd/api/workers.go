package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookhaven/api/internal/di"
	"github.com/bookhaven/api/internal/platform/idempotency"
)

const workerRunTimeout = time.Minute

// runPeriodic invokes fn every interval until ctx is cancelled. A non-positive interval disables it.
func runPeriodic(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, workerRunTimeout)
				fn(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, logger *zap.Logger, container *di.Container) {
	result, err := container.Services.Sweeper.Sweep(ctx)
	if err != nil {
		logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if result.OrdersExpired > 0 || result.PurchasesExpired > 0 {
		logger.Info("expiry sweep completed",
			zap.Int("ordersExpired", result.OrdersExpired),
			zap.Int("purchasesExpired", result.PurchasesExpired),
			zap.Int("skipped", result.Skipped),
		)
	}
}

func cleanupIdempotency(ctx context.Context, logger *zap.Logger, store idempotency.Store, batch int) {
	if store == nil {
		return
	}
	removed, err := store.CleanupExpired(ctx, time.Now().UTC(), batch)
	if err != nil {
		logger.Error("idempotency cleanup error", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
	}
}
