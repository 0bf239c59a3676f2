package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

func TestInventoryLedgerReserveMergesAndOrdersLines(t *testing.T) {
	var calls []StockLine
	books := &stubBookRepo{
		decrementFn: func(_ context.Context, bookID int64, qty int) error {
			calls = append(calls, StockLine{BookID: bookID, Quantity: qty})
			return nil
		},
	}
	ledger, err := NewInventoryLedger(InventoryLedgerDeps{Books: books, Orders: &stubOrderRepo{}, Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewInventoryLedger: %v", err)
	}

	err = ledger.Reserve(context.Background(), []StockLine{
		{BookID: 9, Quantity: 1},
		{BookID: 3, Quantity: 2},
		{BookID: 9, Quantity: 4},
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 decrements, got %v", calls)
	}
	if calls[0] != (StockLine{BookID: 3, Quantity: 2}) || calls[1] != (StockLine{BookID: 9, Quantity: 5}) {
		t.Fatalf("expected ascending merged lines, got %v", calls)
	}
}

func TestInventoryLedgerReserveStopsAtShortfall(t *testing.T) {
	var calls int
	books := &stubBookRepo{
		decrementFn: func(_ context.Context, bookID int64, qty int) error {
			calls++
			if bookID == 2 {
				return repositories.NewStockError("books.decrement_stock", repositories.StockInsufficient, bookID, qty)
			}
			return nil
		},
	}
	ledger, _ := NewInventoryLedger(InventoryLedgerDeps{Books: books, Orders: &stubOrderRepo{}})

	err := ledger.Reserve(context.Background(), []StockLine{{BookID: 1, Quantity: 1}, {BookID: 2, Quantity: 1}, {BookID: 3, Quantity: 1}})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected reservation to stop at the failing book, got %d calls", calls)
	}
}

func TestInventoryLedgerReserveValidatesInput(t *testing.T) {
	ledger, _ := NewInventoryLedger(InventoryLedgerDeps{Books: &stubBookRepo{}, Orders: &stubOrderRepo{}})
	for _, lines := range [][]StockLine{
		nil,
		{{BookID: 0, Quantity: 1}},
		{{BookID: 1, Quantity: 0}},
	} {
		if err := ledger.Reserve(context.Background(), lines); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %v, got %v", lines, err)
		}
	}
}

func TestInventoryLedgerRestoreOnlyOnce(t *testing.T) {
	restored := false
	orders := &stubOrderRepo{
		findFn: func(_ context.Context, orderID int64) (domain.Order, error) {
			return domain.Order{ID: orderID, Items: []domain.OrderItem{{BookID: 4, Quantity: 2}, {BookID: 1, Quantity: 1}}}, nil
		},
		markRestoredFn: func(_ context.Context, _ int64, at time.Time) (bool, error) {
			if !at.Equal(fixedNow) {
				t.Fatalf("expected clock time, got %v", at)
			}
			if restored {
				return false, nil
			}
			restored = true
			return true, nil
		},
	}
	increments := map[int64]int{}
	books := &stubBookRepo{
		incrementFn: func(_ context.Context, bookID int64, qty int) error {
			increments[bookID] += qty
			return nil
		},
	}
	ledger, _ := NewInventoryLedger(InventoryLedgerDeps{Books: books, Orders: orders, Clock: fixedClock})

	ok, err := ledger.Restore(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("expected first restore to apply, got %v %v", ok, err)
	}
	ok, err = ledger.Restore(context.Background(), 7)
	if err != nil || ok {
		t.Fatalf("expected second restore to be a no-op, got %v %v", ok, err)
	}
	if increments[4] != 2 || increments[1] != 1 {
		t.Fatalf("expected stock added back once, got %v", increments)
	}
}

func TestNewInventoryLedgerRequiresRepositories(t *testing.T) {
	if _, err := NewInventoryLedger(InventoryLedgerDeps{Orders: &stubOrderRepo{}}); err == nil {
		t.Fatalf("expected error without book repository")
	}
	if _, err := NewInventoryLedger(InventoryLedgerDeps{Books: &stubBookRepo{}}); err == nil {
		t.Fatalf("expected error without order repository")
	}
}
