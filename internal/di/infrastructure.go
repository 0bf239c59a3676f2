package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bookhaven/api/internal/notifications"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/cache"
	"github.com/bookhaven/api/internal/platform/config"
	"github.com/bookhaven/api/internal/platform/events"
	"github.com/bookhaven/api/internal/platform/idempotency"
	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/services"
)

// Infrastructure holds the external clients shared by services and middleware.
type Infrastructure struct {
	Logger      *zap.Logger
	Redis       *redis.Client
	Cache       services.Cache
	Events      services.LifecycleEventPublisher
	Email       services.EmailSender
	Templates   services.TemplateRenderer
	Gateway     *payments.Manager
	Idempotency idempotency.Store

	closers []func(context.Context) error
}

// BuildInfrastructure dials the configured backends. Partially built clients are released on error.
func BuildInfrastructure(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Infrastructure, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	infra := &Infrastructure{Logger: logger}
	defer func() {
		if err != nil {
			_ = infra.Close(context.Background())
		}
	}()

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		infra.Redis = client
		infra.onClose(func(context.Context) error { return client.Close() })
	}

	if err := infra.buildCache(cfg); err != nil {
		return nil, err
	}
	if err := infra.buildIdempotencyStore(cfg); err != nil {
		return nil, err
	}
	if err := infra.buildEvents(ctx, cfg); err != nil {
		return nil, err
	}
	if err := infra.buildEmail(cfg); err != nil {
		return nil, err
	}
	if err := infra.buildGateway(cfg); err != nil {
		return nil, err
	}
	return infra, nil
}

// Close runs the registered closers in reverse order so queued email drains before clients go away.
func (i *Infrastructure) Close(ctx context.Context) error {
	if i == nil {
		return nil
	}
	var errs []error
	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		if err := i.closers[idx](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	i.closers = nil
	return errors.Join(errs...)
}

// PingRedis reports Redis reachability for readiness probes.
func (i *Infrastructure) PingRedis(ctx context.Context) error {
	if i == nil || i.Redis == nil {
		return nil
	}
	return i.Redis.Ping(ctx).Err()
}

func (i *Infrastructure) onClose(fn func(context.Context) error) {
	i.closers = append(i.closers, fn)
}

func (i *Infrastructure) buildCache(cfg config.Config) error {
	if !cfg.Cache.Enabled {
		return nil
	}
	if i.Redis != nil {
		c, err := cache.NewRedisCache(i.Redis, cfg.Redis.KeyPrefix)
		if err != nil {
			return fmt.Errorf("build redis cache: %w", err)
		}
		i.Cache = c
		return nil
	}
	i.Cache = cache.NewMemoryCache(time.Now)
	return nil
}

func (i *Infrastructure) buildIdempotencyStore(cfg config.Config) error {
	if i.Redis != nil {
		store, err := idempotency.NewRedisStore(i.Redis, cfg.Redis.KeyPrefix)
		if err != nil {
			return fmt.Errorf("build idempotency store: %w", err)
		}
		i.Idempotency = store
		return nil
	}
	i.Idempotency = idempotency.NewMemoryStore()
	return nil
}

func (i *Infrastructure) buildEvents(ctx context.Context, cfg config.Config) error {
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		i.onClose(func(context.Context) error { return client.Close() })
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.Topic))
		if err != nil {
			return fmt.Errorf("pubsub publisher: %w", err)
		}
		i.onClose(func(context.Context) error {
			publisher.Stop()
			return nil
		})
		i.Events = publisher
	case config.EventsBackendKafka:
		kafkaLogger := i.Logger.Named("kafka")
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic,
			events.WithKafkaLoggers(observability.NewPrintfAdapter(kafkaLogger), observability.NewErrorPrintfAdapter(kafkaLogger)))
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		i.onClose(func(context.Context) error { return publisher.Close() })
		i.Events = publisher
	}
	return nil
}

func (i *Infrastructure) buildEmail(cfg config.Config) error {
	renderer, err := notifications.NewRenderer()
	if err != nil {
		return fmt.Errorf("email templates: %w", err)
	}
	i.Templates = renderer

	var next services.EmailSender
	if strings.TrimSpace(cfg.Email.Endpoint) != "" {
		sender, err := notifications.NewHTTPSender(notifications.HTTPSenderConfig{
			Endpoint: cfg.Email.Endpoint,
			APIKey:   cfg.Email.APIKey,
			From:     cfg.Email.From,
			Timeout:  cfg.Email.Timeout,
		})
		if err != nil {
			return fmt.Errorf("email sender: %w", err)
		}
		next = sender
	} else {
		next = notifications.NewLogSender(i.Logger.Named("email"))
	}

	async, err := notifications.NewAsyncSender(next, notifications.AsyncSenderConfig{
		QueueSize:   cfg.Notifications.QueueSize,
		Workers:     cfg.Notifications.Workers,
		SendTimeout: cfg.Notifications.SendTimeout,
		Logger:      i.Logger.Named("email"),
	})
	if err != nil {
		return fmt.Errorf("email queue: %w", err)
	}
	i.onClose(async.Close)
	i.Email = async
	return nil
}

func (i *Infrastructure) buildGateway(cfg config.Config) error {
	providers := map[string]payments.Provider{}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			Logger:        payments.StripeLogger(observability.EventLogger(i.Logger.Named("stripe"))),
		})
		if err != nil {
			return fmt.Errorf("stripe provider: %w", err)
		}
		providers[payments.ProviderStripe] = stripe
	}
	if strings.TrimSpace(cfg.PSP.OfflineSigningSecret) != "" {
		offline, err := payments.NewOfflineProvider(cfg.PSP.OfflineSigningSecret)
		if err != nil {
			return fmt.Errorf("offline provider: %w", err)
		}
		providers[payments.ProviderOffline] = offline
	}
	if len(providers) == 0 {
		i.Logger.Warn("no payment provider configured; payment endpoints disabled")
		return nil
	}
	if _, ok := providers[cfg.PSP.Provider]; !ok {
		return fmt.Errorf("payment provider %q is selected but not configured", cfg.PSP.Provider)
	}
	manager, err := payments.NewManager(providers, payments.WithDefaultProvider(cfg.PSP.Provider))
	if err != nil {
		return fmt.Errorf("payment manager: %w", err)
	}
	i.Gateway = manager
	return nil
}
