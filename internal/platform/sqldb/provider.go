package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/bookhaven/api/internal/platform/config"
)

const (
	// DriverMySQL selects the MySQL dialector.
	DriverMySQL = "mysql"
	// DriverSQLite selects the SQLite dialector, used for local runs and tests.
	DriverSQLite = "sqlite"

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// Option customises Open.
type Option func(*openConfig)

type openConfig struct {
	logger      *zap.Logger
	pingTimeout time.Duration
}

// WithLogger routes gorm statement logging through zap.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *openConfig) {
		cfg.logger = logger
	}
}

// WithPingTimeout overrides how long Open waits for the initial connectivity check.
func WithPingTimeout(timeout time.Duration) Option {
	return func(cfg *openConfig) {
		if timeout > 0 {
			cfg.pingTimeout = timeout
		}
	}
}

// Open connects to the configured relational database and applies pool limits.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*gorm.DB, error) {
	oc := openConfig{logger: zap.NewNop(), pingTimeout: defaultPingTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&oc)
		}
	}
	if oc.logger == nil {
		oc.logger = zap.NewNop()
	}

	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("sqldb: dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMySQL, "":
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("sqldb: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 NewGormLogger(oc.logger, cfg.SlowQueryThreshold),
		TranslateError:         true,
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqldb: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqldb: access pool: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	if strings.EqualFold(cfg.Driver, DriverSQLite) {
		// SQLite serialises writers; a single connection keeps in-memory databases shared.
		maxOpen, maxIdle = 1, 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, oc.pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqldb: ping: %w", err)
	}

	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity, typically from readiness probes.
func Ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("sqldb: db is nil")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
