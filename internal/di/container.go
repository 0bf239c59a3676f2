package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/bookhaven/api/internal/platform/config"
	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/repositories"
	"github.com/bookhaven/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders             services.OrderService
	Payments           services.PaymentService
	Cancellations      services.CancellationService
	Ledger             services.InventoryLedger
	Dispatcher         services.NotificationDispatcher
	Sweeper            services.ExpirySweeper
	AdminNotifications services.AdminNotificationService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config         config.Config
	Repositories   repositories.Registry
	Infrastructure *Infrastructure
	Services       Services
}

// NewContainer constructs the runtime dependencies. Tests can supply an in-memory registry
// and a hand-built Infrastructure.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra *Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra == nil {
		return nil, errors.New("infrastructure is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:         cfg,
		Repositories:   reg,
		Infrastructure: infra,
		Services:       svc,
	}, nil
}

// Close drains background workers before releasing clients and the database pool.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Infrastructure != nil {
		if err := c.Infrastructure.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra *Infrastructure) (Services, error) {
	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eventLogger := func(name string) func(context.Context, string, map[string]any) {
		return observability.EventLogger(logger.Named(name))
	}
	clock := time.Now
	newID := func() string { return ulid.Make().String() }

	var cache services.Cache
	var cacheTTL time.Duration
	if cfg.Cache.Enabled && infra.Cache != nil {
		cache = infra.Cache
		cacheTTL = cfg.Cache.TTL
	}

	var svc Services

	ledger, err := services.NewInventoryLedger(services.InventoryLedgerDeps{
		Books:  reg.Books(),
		Orders: reg.Orders(),
		Clock:  clock,
		Logger: eventLogger("inventory"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory ledger: %w", err)
	}
	svc.Ledger = ledger

	dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		AdminNotifications: reg.AdminNotifications(),
		Email:              infra.Email,
		Templates:          infra.Templates,
		AdminRecipients:    cfg.Notifications.AdminRecipients,
		Clock:              clock,
		IDGenerator:        newID,
		Logger:             eventLogger("notifications"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification dispatcher: %w", err)
	}
	svc.Dispatcher = dispatcher

	shipping := services.ShippingRules{
		FreeShippingThreshold: cfg.Orders.FreeShippingThreshold,
		FlatRate:              cfg.Orders.ShippingFlatRate,
	}
	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Books:         reg.Books(),
		Payments:      reg.Payments(),
		Ledger:        ledger,
		Cancellations: reg.Cancellations(),
		UnitOfWork:    reg,
		Dispatcher:    dispatcher,
		Events:        infra.Events,
		Cache:         cache,
		CacheTTL:      cacheTTL,
		Shipping:      &shipping,
		Currency:      strings.ToUpper(strings.TrimSpace(cfg.Orders.Currency)),
		ExpiryWindow:  cfg.Orders.ExpiryWindow,
		Clock:         clock,
		IDGenerator:   newID,
		Logger:        eventLogger("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if infra.Gateway != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Orders:      reg.Orders(),
			Payments:    reg.Payments(),
			Ledger:      ledger,
			Gateway:     infra.Gateway,
			UnitOfWork:  reg,
			Dispatcher:  dispatcher,
			Events:      infra.Events,
			Cache:       cache,
			Clock:       clock,
			IDGenerator: newID,
			Logger:      eventLogger("payments"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc

		cancellationSvc, err := services.NewCancellationService(services.CancellationServiceDeps{
			Orders:        reg.Orders(),
			Payments:      reg.Payments(),
			Cancellations: reg.Cancellations(),
			Ledger:        ledger,
			Gateway:       infra.Gateway,
			UnitOfWork:    reg,
			Dispatcher:    dispatcher,
			Events:        infra.Events,
			Cache:         cache,
			Clock:         clock,
			IDGenerator:   newID,
			Logger:        eventLogger("cancellations"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build cancellation service: %w", err)
		}
		svc.Cancellations = cancellationSvc
	}

	sweeper, err := services.NewExpirySweeper(services.ExpirySweeperDeps{
		Orders:     reg.Orders(),
		Purchases:  reg.EbookPurchases(),
		UnitOfWork: reg,
		Events:     infra.Events,
		Cache:      cache,
		Threshold:  cfg.Orders.ExpiryWindow,
		BatchSize:  cfg.Orders.SweepBatchSize,
		Clock:      clock,
		Logger:     eventLogger("sweeper"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build expiry sweeper: %w", err)
	}
	svc.Sweeper = sweeper

	adminNotifications, err := services.NewAdminNotificationService(reg.AdminNotifications())
	if err != nil {
		return Services{}, fmt.Errorf("build admin notification service: %w", err)
	}
	svc.AdminNotifications = adminNotifications

	return svc, nil
}
