package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bookhaven/api/internal/repositories"
)

const (
	eventInventoryReserve = "inventory.reserve"
	eventInventoryRestore = "inventory.restore"
)

// InventoryLedgerDeps bundles the collaborators required to construct an inventory ledger.
type InventoryLedgerDeps struct {
	Books  repositories.BookRepository
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type inventoryLedger struct {
	books  repositories.BookRepository
	orders repositories.OrderRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryLedger wires dependencies into a concrete InventoryLedger implementation.
func NewInventoryLedger(deps InventoryLedgerDeps) (InventoryLedger, error) {
	if deps.Books == nil {
		return nil, errors.New("inventory ledger: book repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("inventory ledger: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryLedger{
		books:  deps.Books,
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Reserve decrements stock for every line. The first shortfall aborts with ErrInsufficientStock and
// the caller's transaction discards the decrements already applied.
func (l *inventoryLedger) Reserve(ctx context.Context, lines []StockLine) error {
	merged, err := mergeStockLines(lines)
	if err != nil {
		return err
	}
	for _, line := range merged {
		if err := l.books.DecrementStock(ctx, line.BookID, line.Quantity); err != nil {
			mapped := mapRepositoryError(err)
			if errors.Is(mapped, ErrInsufficientStock) {
				l.logger(ctx, eventInventoryReserve+".insufficient", map[string]any{
					"bookId":   line.BookID,
					"quantity": line.Quantity,
				})
			}
			return mapped
		}
	}
	l.logger(ctx, eventInventoryReserve, map[string]any{"lines": len(merged)})
	return nil
}

// Restore adds back the quantities of every line of the order once. It reports false when the order's
// stock was never reserved or has already been restored.
func (l *inventoryLedger) Restore(ctx context.Context, orderID int64) (bool, error) {
	if orderID <= 0 {
		return false, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	order, err := l.orders.FindByID(ctx, orderID)
	if err != nil {
		return false, mapRepositoryError(err)
	}

	marked, err := l.orders.MarkStockRestored(ctx, orderID, l.clock())
	if err != nil {
		return false, mapRepositoryError(err)
	}
	if !marked {
		return false, nil
	}

	lines := make([]StockLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, StockLine{BookID: item.BookID, Quantity: item.Quantity})
	}
	merged, err := mergeStockLines(lines)
	if err != nil {
		return false, err
	}
	for _, line := range merged {
		if err := l.books.IncrementStock(ctx, line.BookID, line.Quantity); err != nil {
			return false, mapRepositoryError(err)
		}
	}
	l.logger(ctx, eventInventoryRestore, map[string]any{
		"orderId": orderID,
		"lines":   len(merged),
	})
	return true, nil
}

// mergeStockLines sums quantities per book and orders the result by ascending book id so
// concurrent reservations lock rows in the same order.
func mergeStockLines(lines []StockLine) ([]StockLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one stock line is required", ErrInvalidInput)
	}
	totals := make(map[int64]int, len(lines))
	for _, line := range lines {
		if line.BookID <= 0 {
			return nil, fmt.Errorf("%w: book id is required", ErrInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for book %d must be positive", ErrInvalidInput, line.BookID)
		}
		totals[line.BookID] += line.Quantity
	}
	merged := make([]StockLine, 0, len(totals))
	for bookID, qty := range totals {
		merged = append(merged, StockLine{BookID: bookID, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].BookID < merged[j].BookID
	})
	return merged, nil
}
