package services

import (
	"context"
	"sync"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type stubOrderRepo struct {
	insertFn        func(ctx context.Context, order *domain.Order) error
	findFn          func(ctx context.Context, orderID int64) (domain.Order, error)
	listFn          func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	updateFn        func(ctx context.Context, order domain.Order, expected domain.OrderStatus) error
	markRestoredFn  func(ctx context.Context, orderID int64, at time.Time) (bool, error)
	listStaleFn     func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
	findForUpdateFn func(ctx context.Context, orderID int64) (domain.Order, error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order *domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, sqldb.NotFound("orders.find", "order %d not found", orderID)
}

func (s *stubOrderRepo) FindByIDForUpdate(ctx context.Context, orderID int64) (domain.Order, error) {
	if s.findForUpdateFn != nil {
		return s.findForUpdateFn(ctx, orderID)
	}
	return s.FindByID(ctx, orderID)
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order, expected)
	}
	return nil
}

func (s *stubOrderRepo) MarkStockRestored(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	if s.markRestoredFn != nil {
		return s.markRestoredFn(ctx, orderID, at)
	}
	return true, nil
}

func (s *stubOrderRepo) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if s.listStaleFn != nil {
		return s.listStaleFn(ctx, cutoff, limit)
	}
	return nil, nil
}

type stubBookRepo struct {
	findFn      func(ctx context.Context, ids []int64) ([]domain.Book, error)
	decrementFn func(ctx context.Context, bookID int64, qty int) error
	incrementFn func(ctx context.Context, bookID int64, qty int) error
}

func (s *stubBookRepo) FindByIDs(ctx context.Context, ids []int64) ([]domain.Book, error) {
	if s.findFn != nil {
		return s.findFn(ctx, ids)
	}
	return nil, nil
}

func (s *stubBookRepo) DecrementStock(ctx context.Context, bookID int64, qty int) error {
	if s.decrementFn != nil {
		return s.decrementFn(ctx, bookID, qty)
	}
	return nil
}

func (s *stubBookRepo) IncrementStock(ctx context.Context, bookID int64, qty int) error {
	if s.incrementFn != nil {
		return s.incrementFn(ctx, bookID, qty)
	}
	return nil
}

type stubPaymentRepo struct {
	insertFn      func(ctx context.Context, payment *domain.Payment) error
	findByTxnFn   func(ctx context.Context, txnID string) (domain.Payment, error)
	listByOrderFn func(ctx context.Context, orderID int64) ([]domain.Payment, error)
	updateFn      func(ctx context.Context, payment domain.Payment) error
}

func (s *stubPaymentRepo) Insert(ctx context.Context, payment *domain.Payment) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, payment)
	}
	return nil
}

func (s *stubPaymentRepo) FindByTransactionID(ctx context.Context, txnID string) (domain.Payment, error) {
	if s.findByTxnFn != nil {
		return s.findByTxnFn(ctx, txnID)
	}
	return domain.Payment{}, sqldb.NotFound("payments.find_by_transaction_id", "payment %s not found", txnID)
}

func (s *stubPaymentRepo) ListByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error) {
	if s.listByOrderFn != nil {
		return s.listByOrderFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubPaymentRepo) Update(ctx context.Context, payment domain.Payment) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, payment)
	}
	return nil
}

type stubCancellationRepo struct {
	insertFn     func(ctx context.Context, req *domain.CancellationRequest) error
	findFn       func(ctx context.Context, requestID int64) (domain.CancellationRequest, error)
	findActiveFn func(ctx context.Context, orderID int64) (domain.CancellationRequest, error)
	updateFn     func(ctx context.Context, req domain.CancellationRequest, expected domain.CancellationStatus) error
}

func (s *stubCancellationRepo) Insert(ctx context.Context, req *domain.CancellationRequest) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, req)
	}
	return nil
}

func (s *stubCancellationRepo) FindByID(ctx context.Context, requestID int64) (domain.CancellationRequest, error) {
	if s.findFn != nil {
		return s.findFn(ctx, requestID)
	}
	return domain.CancellationRequest{}, sqldb.NotFound("cancellations.find", "request %d not found", requestID)
}

func (s *stubCancellationRepo) FindActiveByOrder(ctx context.Context, orderID int64) (domain.CancellationRequest, error) {
	if s.findActiveFn != nil {
		return s.findActiveFn(ctx, orderID)
	}
	return domain.CancellationRequest{}, sqldb.NotFound("cancellations.find_active", "no active request for order %d", orderID)
}

func (s *stubCancellationRepo) Update(ctx context.Context, req domain.CancellationRequest, expected domain.CancellationStatus) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, req, expected)
	}
	return nil
}

type stubEbookRepo struct {
	listStaleFn    func(ctx context.Context, cutoff time.Time, limit int) ([]domain.EbookPurchase, error)
	updateStatusFn func(ctx context.Context, id int64, from, to domain.EbookPurchaseStatus, at time.Time) error
}

func (s *stubEbookRepo) Insert(context.Context, *domain.EbookPurchase) error { return nil }

func (s *stubEbookRepo) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.EbookPurchase, error) {
	if s.listStaleFn != nil {
		return s.listStaleFn(ctx, cutoff, limit)
	}
	return nil, nil
}

func (s *stubEbookRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.EbookPurchaseStatus, at time.Time) error {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, id, from, to, at)
	}
	return nil
}

type stubAdminNotificationRepo struct {
	mu       sync.Mutex
	inserted []domain.AdminNotification
	insertFn func(ctx context.Context, n domain.AdminNotification) error
	listFn   func(ctx context.Context, filter repositories.AdminNotificationFilter) ([]domain.AdminNotification, error)
	markFn   func(ctx context.Context, id string) error
}

func (s *stubAdminNotificationRepo) Insert(ctx context.Context, n domain.AdminNotification) error {
	if s.insertFn != nil {
		if err := s.insertFn(ctx, n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, n)
	return nil
}

func (s *stubAdminNotificationRepo) List(ctx context.Context, filter repositories.AdminNotificationFilter) ([]domain.AdminNotification, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubAdminNotificationRepo) MarkRead(ctx context.Context, id string) error {
	if s.markFn != nil {
		return s.markFn(ctx, id)
	}
	return nil
}

// stubUnitOfWork records how many transactions ran and whether each committed.
type stubUnitOfWork struct {
	calls     int
	rollbacks int
}

func (s *stubUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	s.calls++
	if err := fn(ctx); err != nil {
		s.rollbacks++
		return err
	}
	return nil
}

type stubLedger struct {
	reserveFn func(ctx context.Context, lines []StockLine) error
	restoreFn func(ctx context.Context, orderID int64) (bool, error)
	reserved  [][]StockLine
	restored  []int64
}

func (s *stubLedger) Reserve(ctx context.Context, lines []StockLine) error {
	s.reserved = append(s.reserved, lines)
	if s.reserveFn != nil {
		return s.reserveFn(ctx, lines)
	}
	return nil
}

func (s *stubLedger) Restore(ctx context.Context, orderID int64) (bool, error) {
	s.restored = append(s.restored, orderID)
	if s.restoreFn != nil {
		return s.restoreFn(ctx, orderID)
	}
	return true, nil
}

type captureDispatcher struct {
	mu       sync.Mutex
	requests []DispatchRequest
}

func (c *captureDispatcher) Dispatch(_ context.Context, req DispatchRequest) *PopupPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	rule, ok := notificationRules[req.Event]
	if !ok || !rule.Channels.Has(ChannelUserPopup) {
		return nil
	}
	return &PopupPayload{Event: req.Event, Title: rule.Title, Message: rule.PopupMessage, Level: rule.Level}
}

func (c *captureDispatcher) events() []NotificationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NotificationEvent, 0, len(c.requests))
	for _, req := range c.requests {
		out = append(out, req.Event)
	}
	return out
}

type captureLifecycleEvents struct {
	events []LifecycleEvent
	err    error
}

func (c *captureLifecycleEvents) PublishLifecycleEvent(_ context.Context, event LifecycleEvent) error {
	c.events = append(c.events, event)
	return c.err
}

type stubCache struct {
	values      map[string][]byte
	invalidated []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string][]byte{}}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.values[key] = value
	return nil
}

func (c *stubCache) Invalidate(_ context.Context, prefix string) error {
	c.invalidated = append(c.invalidated, prefix)
	for k := range c.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.values, k)
		}
	}
	return nil
}

type stubGateway struct {
	createFn func(ctx context.Context, pc payments.PaymentContext, req payments.CreateOrderRequest) (payments.ExternalOrder, error)
	verifyFn func(ctx context.Context, pc payments.PaymentContext, req payments.VerifyRequest) (payments.VerifiedPayment, error)
	refundFn func(ctx context.Context, pc payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error)

	verifyCalls int
	refundCalls int
}

func (s *stubGateway) CreateOrder(ctx context.Context, pc payments.PaymentContext, req payments.CreateOrderRequest) (payments.ExternalOrder, error) {
	if s.createFn != nil {
		return s.createFn(ctx, pc, req)
	}
	return payments.ExternalOrder{}, nil
}

func (s *stubGateway) VerifyPayment(ctx context.Context, pc payments.PaymentContext, req payments.VerifyRequest) (payments.VerifiedPayment, error) {
	s.verifyCalls++
	if s.verifyFn != nil {
		return s.verifyFn(ctx, pc, req)
	}
	return payments.VerifiedPayment{}, nil
}

func (s *stubGateway) Refund(ctx context.Context, pc payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
	s.refundCalls++
	if s.refundFn != nil {
		return s.refundFn(ctx, pc, req)
	}
	return payments.RefundResult{}, nil
}

func strPtr(v string) *string { return &v }

func userActor(id string) Actor {
	return Actor{ID: id, Email: id + "@example.com", Role: domain.ActorRoleUser}
}

func adminActor() Actor {
	return Actor{ID: "admin-1", Email: "admin@example.com", Role: domain.ActorRoleAdmin}
}
