package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/bookhaven/api/internal/di"
	"github.com/bookhaven/api/internal/handlers"
	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/platform/config"
	"github.com/bookhaven/api/internal/platform/idempotency"
	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/platform/secrets"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories/sqlstore"
)

const (
	placementRateLimit  = 10
	placementRateWindow = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(observability.WithServiceName("bookhaven-api"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	db, err := sqldb.Open(ctx, cfg.Database, sqldb.WithLogger(logger.Named("sql")))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := sqlstore.Migrate(ctx, db); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
	}
	registry, err := sqlstore.NewRegistry(db)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	infra, err := di.BuildInfrastructure(ctx, cfg, logger)
	if err != nil {
		_ = registry.Close(ctx)
		logger.Fatal("failed to initialise infrastructure", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		_ = infra.Close(ctx)
		_ = registry.Close(ctx)
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	runPeriodic(workerCtx, &workers, cfg.Orders.SweepInterval, func(runCtx context.Context) {
		sweepExpired(runCtx, logger.Named("sweeper"), container)
	})
	runPeriodic(workerCtx, &workers, cfg.Idempotency.CleanupInterval, func(runCtx context.Context) {
		cleanupIdempotency(runCtx, logger.Named("idempotency"), infra.Idempotency, cfg.Idempotency.CleanupBatchSize)
	})

	router := buildRouter(cfg, logger, container, buildInfo)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("bookhaven api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	workerCancel()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildRouter(cfg config.Config, logger *zap.Logger, container *di.Container, build handlers.BuildInfo) http.Handler {
	svc := container.Services
	authenticator := auth.NewHeaderAuthenticator()
	projectID := traceProjectID(cfg)

	idempotencyMiddleware := idempotency.Middleware(
		container.Infrastructure.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthCheck("database", container.Repositories.Ping),
		handlers.WithHealthCheck("redis", container.Infrastructure.PingRedis),
	)

	orderHandlers := handlers.NewOrderHandlers(svc.Orders, svc.Payments, svc.Cancellations,
		handlers.WithPlacementRateLimit(placementRateLimit, placementRateWindow, time.Now))
	adminHandlers := handlers.NewAdminHandlers(
		handlers.WithAdminOrderService(svc.Orders),
		handlers.WithAdminPaymentService(svc.Payments),
		handlers.WithAdminCancellationService(svc.Cancellations),
		handlers.WithAdminNotificationService(svc.AdminNotifications),
	)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Payments)
	internalHandlers := handlers.NewInternalHandlers(svc.Sweeper)

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			authenticator.Identify(),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithMutationMiddlewares(idempotencyMiddleware),
		handlers.WithAdminMiddlewares(authenticator.RequireIdentity(auth.RoleAdmin)),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalMiddlewares(auth.RequireInternalToken(cfg.Security.InternalToken)),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Events.PubSubProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(lowerKeys(projectMap)))
	}
	if defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID"); defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets whose absence should stop the process. The PSP secrets
// depend on which gateway is selected.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Database.DSN"}
	switch strings.ToLower(strings.TrimSpace(env["API_PSP_PROVIDER"])) {
	case "", "stripe":
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	case "offline":
		required = append(required, "PSP.OfflineSigningSecret")
	}
	if strings.TrimSpace(env["API_SECURITY_INTERNAL_TOKEN"]) != "" {
		required = append(required, "Security.InternalToken")
	}
	return required
}

func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	values := make(map[string]string)
	for _, entry := range strings.Split(strings.TrimSpace(raw), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		values[key] = value
	}
	return values
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
