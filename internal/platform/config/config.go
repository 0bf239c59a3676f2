package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 20 * time.Second
	defaultDatabaseDriver       = "mysql"
	defaultMaxOpenConns         = 25
	defaultMaxIdleConns         = 5
	defaultConnMaxLifetime      = 5 * time.Minute
	defaultSlowQueryThreshold   = 200 * time.Millisecond
	defaultRedisKeyPrefix       = "bookhaven:"
	defaultEventsBackend        = EventsBackendNone
	defaultEventsTopic          = "order-lifecycle"
	defaultPSPProvider          = "stripe"
	defaultEmailTimeout         = 10 * time.Second
	defaultEmailFrom            = "BookHaven <no-reply@bookhaven.local>"
	defaultCurrency             = "INR"
	defaultExpiryWindow         = 15 * time.Minute
	defaultSweepInterval        = time.Minute
	defaultSweepBatchSize       = 200
	defaultFreeShippingFrom     = "500"
	defaultShippingFlatRate     = "150"
	defaultNotificationQueue    = 256
	defaultNotificationWorkers  = 4
	defaultNotificationTimeout  = 15 * time.Second
	defaultCacheTTL             = 2 * time.Minute
	defaultSecurityEnvironment  = "local"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Supported lifecycle event backends.
const (
	EventsBackendNone   = "none"
	EventsBackendPubSub = "pubsub"
	EventsBackendKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Events        EventsConfig
	PSP           PSPConfig
	Email         EmailConfig
	Orders        OrdersConfig
	Notifications NotificationsConfig
	Cache         CacheConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig stores relational database parameters.
type DatabaseConfig struct {
	Driver             string
	DSN                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	SlowQueryThreshold time.Duration
	AutoMigrate        bool
}

// RedisConfig stores Redis connection parameters. An empty Addr disables Redis.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// EventsConfig selects where order lifecycle events are published.
type EventsConfig struct {
	Backend         string
	Topic           string
	PubSubProjectID string
	KafkaBrokers    []string
}

// PSPConfig collects payment gateway settings.
type PSPConfig struct {
	Provider            string
	StripeAPIKey        string
	StripeWebhookSecret string

	// OfflineSigningSecret keys the HMAC signatures accepted by the offline gateway.
	OfflineSigningSecret string
}

// EmailConfig configures the transactional email API.
type EmailConfig struct {
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
}

// OrdersConfig groups order lifecycle and pricing rules.
type OrdersConfig struct {
	Currency              string
	ExpiryWindow          time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
	FreeShippingThreshold decimal.Decimal
	ShippingFlatRate      decimal.Decimal
}

// NotificationsConfig controls the notification dispatcher and its email queue.
type NotificationsConfig struct {
	AdminRecipients []string
	QueueSize       int
	Workers         int
	SendTimeout     time.Duration
}

// CacheConfig controls read-through caching of order views.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// SecurityConfig groups trust settings for upstream identity and internal endpoints.
type SecurityConfig struct {
	Environment   string
	InternalToken string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}


// SecretResolver resolves secret:// references, typically through Secret Manager.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every config field that is missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

// Fields returns a copy of the offending field names, e.g. "Orders.ExpiryWindow".
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError wraps a failed secret reference lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to an empty value. Error() only
// prints hashed names so the message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// RedactedNames returns the sorted hashed names.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	slices.Sort(out)
	return out
}

// Names returns the sorted config field names, e.g. "PSP.StripeAPIKey".
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Clone(e.names)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile overrides the .env file path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that win over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "Database.DSN") that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// source is the layered key lookup. Earlier layers win.
type source []map[string]string

func openSource(options loaderOptions) (source, error) {
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	var layers source
	if options.envMap != nil {
		layers = append(layers, options.envMap)
	}
	if options.useSystemEnv {
		layers = append(layers, systemEnv())
	}
	if dotenv != nil {
		layers = append(layers, dotenv)
	}
	return layers, nil
}

func systemEnv() map[string]string {
	env := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			env[key] = value
		}
	}
	return env
}

func (s source) get(key string) string {
	for _, layer := range s {
		if value, ok := layer[key]; ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (s source) str(key, fallback string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.get(key)); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(s.get(key)); err == nil {
		return n
	}
	return fallback
}

func (s source) boolean(key string, fallback bool) bool {
	switch strings.ToLower(s.get(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (s source) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(s.get(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s source) amount(key, fallback string) decimal.Decimal {
	if parsed, err := decimal.NewFromString(s.get(key)); err == nil {
		return parsed
	}
	return decimal.RequireFromString(fallback)
}

// EnvironmentValues flattens the same layers Load reads (dotenv < OS env < explicit map) so callers
// can configure the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	layers, err := openSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for i := len(layers) - 1; i >= 0; i-- {
		for key, value := range layers[i] {
			values[key] = value
		}
	}
	return values, nil
}

// Load builds the Config from defaults, the .env file, the process environment and explicit
// overrides, then resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := openSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := src.config()

	resolved := make(map[string]string)
	for _, target := range secretFields(&cfg) {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func (s source) config() Config {
	return Config{
		Server: ServerConfig{
			Port:            s.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     s.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    s.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     s.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: s.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Database: DatabaseConfig{
			Driver:             strings.ToLower(s.str("API_DB_DRIVER", defaultDatabaseDriver)),
			DSN:                s.get("API_DB_DSN"),
			MaxOpenConns:       s.integer("API_DB_MAX_OPEN_CONNS", defaultMaxOpenConns),
			MaxIdleConns:       s.integer("API_DB_MAX_IDLE_CONNS", defaultMaxIdleConns),
			ConnMaxLifetime:    s.duration("API_DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
			SlowQueryThreshold: s.duration("API_DB_SLOW_QUERY_THRESHOLD", defaultSlowQueryThreshold),
			AutoMigrate:        s.boolean("API_DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Addr:      s.get("API_REDIS_ADDR"),
			Password:  s.get("API_REDIS_PASSWORD"),
			DB:        s.integer("API_REDIS_DB", 0),
			KeyPrefix: s.str("API_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		Events: EventsConfig{
			Backend:         strings.ToLower(s.str("API_EVENTS_BACKEND", defaultEventsBackend)),
			Topic:           s.str("API_EVENTS_TOPIC", defaultEventsTopic),
			PubSubProjectID: s.get("API_EVENTS_PUBSUB_PROJECT_ID"),
			KafkaBrokers:    s.list("API_EVENTS_KAFKA_BROKERS"),
		},
		PSP: PSPConfig{
			Provider:             strings.ToLower(s.str("API_PSP_PROVIDER", defaultPSPProvider)),
			StripeAPIKey:         s.get("API_PSP_STRIPE_API_KEY"),
			StripeWebhookSecret:  s.get("API_PSP_STRIPE_WEBHOOK_SECRET"),
			OfflineSigningSecret: s.get("API_PSP_OFFLINE_SIGNING_SECRET"),
		},
		Email: EmailConfig{
			Endpoint: s.get("API_EMAIL_ENDPOINT"),
			APIKey:   s.get("API_EMAIL_API_KEY"),
			From:     s.str("API_EMAIL_FROM", defaultEmailFrom),
			Timeout:  s.duration("API_EMAIL_TIMEOUT", defaultEmailTimeout),
		},
		Orders: OrdersConfig{
			Currency:              strings.ToUpper(s.str("API_ORDERS_CURRENCY", defaultCurrency)),
			ExpiryWindow:          s.duration("API_ORDERS_EXPIRY_WINDOW", defaultExpiryWindow),
			SweepInterval:         s.duration("API_ORDERS_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:        s.integer("API_ORDERS_SWEEP_BATCH", defaultSweepBatchSize),
			FreeShippingThreshold: s.amount("API_ORDERS_FREE_SHIPPING_THRESHOLD", defaultFreeShippingFrom),
			ShippingFlatRate:      s.amount("API_ORDERS_SHIPPING_FLAT_RATE", defaultShippingFlatRate),
		},
		Notifications: NotificationsConfig{
			AdminRecipients: s.list("API_NOTIFICATIONS_ADMIN_RECIPIENTS"),
			QueueSize:       s.integer("API_NOTIFICATIONS_QUEUE_SIZE", defaultNotificationQueue),
			Workers:         s.integer("API_NOTIFICATIONS_WORKERS", defaultNotificationWorkers),
			SendTimeout:     s.duration("API_NOTIFICATIONS_SEND_TIMEOUT", defaultNotificationTimeout),
		},
		Cache: CacheConfig{
			Enabled: s.boolean("API_CACHE_ENABLED", true),
			TTL:     s.duration("API_CACHE_TTL", defaultCacheTTL),
		},
		Security: SecurityConfig{
			Environment:   strings.ToLower(s.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			InternalToken: s.get("API_SECURITY_INTERNAL_TOKEN"),
		},
		Idempotency: IdempotencyConfig{
			Header:           s.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              s.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  s.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: s.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
}

type secretField struct {
	name  string
	field *string
}

// secretFields lists the values that may hold secret references, keyed by the names accepted
// by WithRequiredSecrets.
func secretFields(c *Config) []secretField {
	return []secretField{
		{"Database.DSN", &c.Database.DSN},
		{"Redis.Password", &c.Redis.Password},
		{"PSP.StripeAPIKey", &c.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &c.PSP.StripeWebhookSecret},
		{"PSP.OfflineSigningSecret", &c.PSP.OfflineSigningSecret},
		{"Email.APIKey", &c.Email.APIKey},
		{"Security.InternalToken", &c.Security.InternalToken},
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

// secretReference normalises sm:// to secret:// and reports whether value is a reference at all.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

type fieldCheck []string

func (f *fieldCheck) require(ok bool, field string) {
	if !ok {
		*f = append(*f, field)
	}
}

func (c Config) validate() error {
	var bad fieldCheck

	bad.require(c.Server.Port != "", "Server.Port")
	bad.require(c.Database.Driver == "mysql" || c.Database.Driver == "sqlite", "Database.Driver")
	bad.require(c.Database.DSN != "", "Database.DSN")

	switch c.Events.Backend {
	case EventsBackendNone:
	case EventsBackendPubSub:
		bad.require(c.Events.PubSubProjectID != "", "Events.PubSubProjectID")
	case EventsBackendKafka:
		bad.require(len(c.Events.KafkaBrokers) > 0, "Events.KafkaBrokers")
	default:
		bad.require(false, "Events.Backend")
	}
	if c.Events.Backend != EventsBackendNone {
		bad.require(strings.TrimSpace(c.Events.Topic) != "", "Events.Topic")
	}

	switch c.PSP.Provider {
	case "stripe":
	case "offline":
		bad.require(strings.TrimSpace(c.PSP.OfflineSigningSecret) != "", "PSP.OfflineSigningSecret")
	default:
		bad.require(false, "PSP.Provider")
	}

	bad.require(len(c.Orders.Currency) == 3, "Orders.Currency")
	bad.require(c.Orders.ExpiryWindow > 0, "Orders.ExpiryWindow")
	bad.require(c.Orders.SweepInterval > 0, "Orders.SweepInterval")
	bad.require(c.Orders.SweepBatchSize > 0, "Orders.SweepBatchSize")
	bad.require(!c.Orders.FreeShippingThreshold.IsNegative(), "Orders.FreeShippingThreshold")
	bad.require(!c.Orders.ShippingFlatRate.IsNegative(), "Orders.ShippingFlatRate")
	bad.require(c.Notifications.QueueSize > 0, "Notifications.QueueSize")
	bad.require(c.Notifications.Workers > 0, "Notifications.Workers")
	bad.require(strings.TrimSpace(c.Idempotency.Header) != "", "Idempotency.Header")
	bad.require(c.Idempotency.TTL > 0, "Idempotency.TTL")
	bad.require(c.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	bad.require(c.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(names, name) || resolved[name] != "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	slices.Sort(names)
	return &MissingSecretsError{names: names}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// loadDotEnv parses KEY=VALUE lines, allowing comments, blank lines, an "export " prefix and
// quoted values. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
