package sqldb

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const defaultTxTimeout = 15 * time.Second

type txKey struct{}

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	timeout time.Duration
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// UnitOfWork runs callbacks inside a database transaction carried on the context.
type UnitOfWork struct {
	db   *gorm.DB
	opts []TxOption
}

// NewUnitOfWork binds a unit of work to db.
func NewUnitOfWork(db *gorm.DB, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{db: db, opts: opts}
}

// RunInTx executes fn within a transaction. Nested calls join the outer transaction.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u == nil || u.db == nil {
		return WrapError("transaction", errors.New("sqldb: db is nil"))
	}
	return RunTransaction(ctx, u.db, fn, u.opts...)
}

// RunTransaction executes fn within a transaction on db.
func RunTransaction(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error, opts ...TxOption) error {
	if db == nil {
		return WrapError("transaction", errors.New("sqldb: db is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("sqldb: transaction function is nil"))
	}
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}

	cfg := txConfig{timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		}
	}
	if cancel != nil {
		defer cancel()
	}

	err := db.WithContext(txnCtx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(txnCtx, txKey{}, tx))
	})
	if err == nil {
		return nil
	}
	var repoErr *Error
	if errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Errors raised by fn that are not storage errors (domain sentinels) pass through untouched.
	if !isStorageError(err) {
		return err
	}
	return WrapError("transaction", err)
}

// Conn returns the transaction bound to ctx, or db when none is active.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// InTx reports whether ctx carries an active transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}

func isStorageError(err error) bool {
	return errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
