package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/config"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sqldb.Open(context.Background(), config.DatabaseConfig{
		Driver: sqldb.DriverSQLite,
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close(db) })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func seedBooks(t *testing.T, reg *Registry, books ...domain.Book) []domain.Book {
	t.Helper()
	created, err := reg.books.Create(context.Background(), books...)
	if err != nil {
		t.Fatalf("seed books: %v", err)
	}
	return created
}

func newOrder(userID string, bookID int64, qty int) domain.Order {
	uid := userID
	return domain.Order{
		UserID:   &uid,
		Currency: "INR",
		Items: []domain.OrderItem{{
			BookID:    bookID,
			Title:     "Go in Practice",
			UnitPrice: decimal.NewFromInt(250),
			Quantity:  qty,
		}},
		Subtotal:  decimal.NewFromInt(250),
		Shipping:  decimal.NewFromInt(150),
		Total:     decimal.NewFromInt(400),
		Status:    domain.OrderStatusPending,
		Origin:    domain.OrderOriginUser,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestOrderRepositoryInsertAndFind(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	books := seedBooks(t, reg, domain.Book{Title: "Go in Practice", Price: decimal.NewFromInt(250), Stock: 5})

	order := newOrder("user-1", books[0].ID, 1)
	order.ShippingAddress = &domain.Address{Recipient: "Asha", Line1: "1 Main St", City: "Pune", Country: "in"}
	if err := reg.Orders().Insert(ctx, &order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if order.ID == 0 || order.Items[0].ID == 0 || order.Items[0].OrderID != order.ID {
		t.Fatalf("expected identifiers assigned, got %+v", order)
	}

	got, err := reg.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Total.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("unexpected total %s", got.Total)
	}
	if got.ShippingAddress == nil || got.ShippingAddress.Country != "IN" {
		t.Fatalf("expected inlined address, got %+v", got.ShippingAddress)
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != 1 {
		t.Fatalf("unexpected items %+v", got.Items)
	}
	if !got.CreatedAt.Equal(testNow) {
		t.Fatalf("expected created at preserved, got %s", got.CreatedAt)
	}

	_, err = reg.Orders().FindByID(ctx, order.ID+100)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRepositoryGuardedUpdate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	books := seedBooks(t, reg, domain.Book{Title: "Go", Price: decimal.NewFromInt(250), Stock: 5})
	order := newOrder("user-1", books[0].ID, 1)
	if err := reg.Orders().Insert(ctx, &order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	order.Status = domain.OrderStatusPaid
	order.ExternalPaymentID = "pay_123"
	order.UpdatedAt = testNow.Add(time.Minute)
	if err := reg.Orders().Update(ctx, order, domain.OrderStatusPending); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale := order
	stale.Status = domain.OrderStatusExpired
	assertConflict(t, reg.Orders().Update(ctx, stale, domain.OrderStatusPending))

	got, err := reg.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != domain.OrderStatusPaid || got.ExternalPaymentID != "pay_123" {
		t.Fatalf("unexpected order after update %+v", got)
	}
}

func TestOrderRepositoryListPagination(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	books := seedBooks(t, reg, domain.Book{Title: "Go", Price: decimal.NewFromInt(250), Stock: 5})
	for i := 0; i < 3; i++ {
		order := newOrder("user-1", books[0].ID, 1)
		if err := reg.Orders().Insert(ctx, &order); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other := newOrder("user-2", books[0].ID, 1)
	if err := reg.Orders().Insert(ctx, &other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	user := "user-1"
	page, err := reg.Orders().List(ctx, repositories.OrderListFilter{UserID: &user, Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.NextPageToken == "" {
		t.Fatalf("expected first page of 2 with token, got %d items token %q", len(page.Items), page.NextPageToken)
	}
	if page.Items[0].ID < page.Items[1].ID {
		t.Fatalf("expected newest first")
	}

	next, err := reg.Orders().List(ctx, repositories.OrderListFilter{UserID: &user, Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	if err != nil {
		t.Fatalf("list next: %v", err)
	}
	if len(next.Items) != 1 || next.NextPageToken != "" {
		t.Fatalf("expected final page of 1, got %d token %q", len(next.Items), next.NextPageToken)
	}
}

func TestBookRepositoryDecrementStockIsConditional(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	books := seedBooks(t, reg, domain.Book{Title: "Go", Price: decimal.NewFromInt(250), Stock: 2})

	if err := reg.Books().DecrementStock(ctx, books[0].ID, 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	err := reg.Books().DecrementStock(ctx, books[0].ID, 1)
	var stockErr *repositories.StockError
	if !errors.As(err, &stockErr) || stockErr.Kind != repositories.StockInsufficient {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	err = reg.Books().DecrementStock(ctx, 9999, 1)
	if !errors.As(err, &stockErr) || stockErr.Kind != repositories.StockBookMissing {
		t.Fatalf("expected book not found, got %v", err)
	}

	if err := reg.Books().IncrementStock(ctx, books[0].ID, 3); err != nil {
		t.Fatalf("increment: %v", err)
	}
	found, err := reg.Books().FindByIDs(ctx, []int64{books[0].ID})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found[0].Stock != 3 {
		t.Fatalf("expected stock 3, got %d", found[0].Stock)
	}
}

func TestBookRepositoryConcurrentDecrementsNeverOversell(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	books := seedBooks(t, reg, domain.Book{Title: "Go", Price: decimal.NewFromInt(250), Stock: 1})

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- reg.RunInTx(ctx, func(ctx context.Context) error {
				return reg.Books().DecrementStock(ctx, books[0].ID, 1)
			})
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one reservation to succeed, got %d", succeeded)
	}
	found, _ := reg.Books().FindByIDs(ctx, []int64{books[0].ID})
	if found[0].Stock != 0 {
		t.Fatalf("expected stock 0, got %d", found[0].Stock)
	}
}

func TestRunInTxRollsBackPartialDecrements(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	books := seedBooks(t, reg,
		domain.Book{Title: "A", Price: decimal.NewFromInt(100), Stock: 5},
		domain.Book{Title: "B", Price: decimal.NewFromInt(100), Stock: 0},
	)

	err := reg.RunInTx(ctx, func(ctx context.Context) error {
		if err := reg.Books().DecrementStock(ctx, books[0].ID, 2); err != nil {
			return err
		}
		return reg.Books().DecrementStock(ctx, books[1].ID, 1)
	})
	var stockErr *repositories.StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected stock error, got %v", err)
	}
	found, _ := reg.Books().FindByIDs(ctx, []int64{books[0].ID})
	if found[0].Stock != 5 {
		t.Fatalf("expected rollback to keep stock 5, got %d", found[0].Stock)
	}
}

func TestMarkStockRestoredOnlyOnce(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	books := seedBooks(t, reg, domain.Book{Title: "Go", Price: decimal.NewFromInt(250), Stock: 5})
	order := newOrder("user-1", books[0].ID, 1)
	if err := reg.Orders().Insert(ctx, &order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := reg.Orders().MarkStockRestored(ctx, order.ID, testNow)
	if err != nil || ok {
		t.Fatalf("expected no-op without reservation, got %v %v", ok, err)
	}

	reserved := testNow
	order.StockReservedAt = &reserved
	if err := reg.Orders().Update(ctx, order, domain.OrderStatusPending); err != nil {
		t.Fatalf("update: %v", err)
	}
	ok, err = reg.Orders().MarkStockRestored(ctx, order.ID, testNow)
	if err != nil || !ok {
		t.Fatalf("expected first restore marked, got %v %v", ok, err)
	}
	ok, err = reg.Orders().MarkStockRestored(ctx, order.ID, testNow)
	if err != nil || ok {
		t.Fatalf("expected second restore to be a no-op, got %v %v", ok, err)
	}
}

func TestPaymentRepositoryRejectsDuplicates(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	payment := domain.Payment{
		OrderID:       1,
		TransactionID: "pay_123",
		Amount:        decimal.NewFromInt(400),
		Currency:      "INR",
		Method:        "card",
		Status:        domain.PaymentStatusSuccess,
		Mode:          domain.PaymentModeOnline,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	if err := reg.Payments().Insert(ctx, &payment); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dupTxn := payment
	dupTxn.ID = 0
	dupTxn.OrderID = 2
	assertConflict(t, reg.Payments().Insert(ctx, &dupTxn))

	sameOrderMethod := payment
	sameOrderMethod.ID = 0
	sameOrderMethod.TransactionID = "pay_456"
	assertConflict(t, reg.Payments().Insert(ctx, &sameOrderMethod))

	failed := sameOrderMethod
	failed.TransactionID = "pay_789"
	failed.Status = domain.PaymentStatusFailed
	if err := reg.Payments().Insert(ctx, &failed); err != nil {
		t.Fatalf("expected failed payment to be allowed alongside success: %v", err)
	}

	found, err := reg.Payments().FindByTransactionID(ctx, "pay_123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != payment.ID {
		t.Fatalf("expected original payment, got %+v", found)
	}

	found.Status = domain.PaymentStatusRefunded
	found.RefundReference = "re_1"
	found.RefundedAmount = decimal.NewFromInt(400)
	if err := reg.Payments().Update(ctx, found); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, err := reg.Payments().ListByOrder(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Status != domain.PaymentStatusRefunded || list[0].RefundReference != "re_1" {
		t.Fatalf("unexpected payments %+v", list)
	}
	if list[1].TransactionID != "pay_789" || list[1].Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed attempt listed after the original, got %+v", list[1])
	}
}

func TestCancellationRepositoryOneActivePerOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	req := domain.CancellationRequest{
		OrderID:     7,
		UserID:      "user-1",
		Reason:      "changed my mind",
		Status:      domain.CancellationStatusPending,
		RequestedAt: testNow,
	}
	if err := reg.Cancellations().Insert(ctx, &req); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := req
	second.ID = 0
	assertConflict(t, reg.Cancellations().Insert(ctx, &second))

	active, err := reg.Cancellations().FindActiveByOrder(ctx, 7)
	if err != nil || active.ID != req.ID {
		t.Fatalf("expected active request, got %+v %v", active, err)
	}

	processed := testNow.Add(time.Hour)
	req.Status = domain.CancellationStatusRejected
	req.AdminNotes = "already shipped"
	req.ProcessedBy = "admin-1"
	req.ProcessedAt = &processed
	if err := reg.Cancellations().Update(ctx, req, domain.CancellationStatusPending); err != nil {
		t.Fatalf("update: %v", err)
	}
	assertConflict(t, reg.Cancellations().Update(ctx, req, domain.CancellationStatusPending))

	second.ID = 0
	if err := reg.Cancellations().Insert(ctx, &second); err != nil {
		t.Fatalf("expected new request after rejection, got %v", err)
	}
}

func TestEbookPurchaseRepositoryStaleAndUpdate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	old := domain.EbookPurchase{UserID: "u", BookID: 1, Amount: decimal.NewFromInt(99), Status: domain.EbookPurchasePending, CreatedAt: testNow.Add(-20 * time.Minute), UpdatedAt: testNow.Add(-20 * time.Minute)}
	fresh := domain.EbookPurchase{UserID: "u", BookID: 2, Amount: decimal.NewFromInt(99), Status: domain.EbookPurchasePending, CreatedAt: testNow.Add(-5 * time.Minute), UpdatedAt: testNow.Add(-5 * time.Minute)}
	for _, p := range []*domain.EbookPurchase{&old, &fresh} {
		if err := reg.EbookPurchases().Insert(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stale, err := reg.EbookPurchases().ListStalePending(ctx, testNow.Add(-15*time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only the old purchase, got %+v", stale)
	}

	if err := reg.EbookPurchases().UpdateStatus(ctx, old.ID, domain.EbookPurchasePending, domain.EbookPurchaseExpired, testNow); err != nil {
		t.Fatalf("update status: %v", err)
	}
	assertConflict(t, reg.EbookPurchases().UpdateStatus(ctx, old.ID, domain.EbookPurchasePending, domain.EbookPurchaseExpired, testNow))
}

func TestAdminNotificationRepository(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	orderID := int64(5)

	for i, id := range []string{"01HZX0000000000000000000A1", "01HZX0000000000000000000A2"} {
		err := reg.AdminNotifications().Insert(ctx, domain.AdminNotification{
			ID:        id,
			Event:     "payment_success",
			OrderID:   &orderID,
			Title:     "Payment received",
			Message:   "Order #5 was paid",
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := reg.AdminNotifications().MarkRead(ctx, "01HZX0000000000000000000A1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	unread, err := reg.AdminNotifications().List(ctx, repositories.AdminNotificationFilter{UnreadOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != "01HZX0000000000000000000A2" {
		t.Fatalf("unexpected unread notifications %+v", unread)
	}
	if unread[0].OrderID == nil || *unread[0].OrderID != 5 {
		t.Fatalf("expected order reference preserved")
	}

	err = reg.AdminNotifications().MarkRead(ctx, "missing")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}
