package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/repositories"
)

const (
	defaultCurrency     = "INR"
	defaultExpiryWindow = 15 * time.Minute
	maxOrderLines       = 50
	maxLineQuantity     = 100
)

// OrderServiceDeps bundles collaborators required to construct the order service.
// Cancellations is optional; when set, cancelling an order closes its open cancellation request.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Books         repositories.BookRepository
	Payments      repositories.PaymentRepository
	Ledger        InventoryLedger
	Cancellations repositories.CancellationRepository
	UnitOfWork    repositories.UnitOfWork
	Dispatcher    NotificationDispatcher
	Events        LifecycleEventPublisher
	Cache         Cache
	CacheTTL      time.Duration
	Shipping      *ShippingRules
	Currency      string
	ExpiryWindow  time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	lifecycleSupport
	orders        repositories.OrderRepository
	books         repositories.BookRepository
	payments      repositories.PaymentRepository
	cancellations repositories.CancellationRepository
	ledger        InventoryLedger
	shipping      ShippingRules
	currency      string
	expiryWindow  time.Duration
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Books == nil {
		return nil, errors.New("order service: book repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: inventory ledger is required")
	}

	shipping := DefaultShippingRules()
	if deps.Shipping != nil {
		shipping = *deps.Shipping
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	window := deps.ExpiryWindow
	if window <= 0 {
		window = defaultExpiryWindow
	}

	return &orderService{
		lifecycleSupport: newLifecycleSupport(lifecycleOptions{
			UnitOfWork: deps.UnitOfWork,
			Dispatcher: deps.Dispatcher,
			Events:     deps.Events,
			Cache:      deps.Cache,
			CacheTTL:   deps.CacheTTL,
			Clock:      deps.Clock,
			IDGen:      deps.IDGenerator,
			Logger:     deps.Logger,
		}),
		orders:        deps.Orders,
		books:         deps.Books,
		payments:      deps.Payments,
		cancellations: deps.Cancellations,
		ledger:        deps.Ledger,
		shipping:      shipping,
		currency:      currency,
		expiryWindow:  window,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (OrderResult, error) {
	ctx, span := observability.StartSpan(ctx, "services.PlaceOrder")
	defer span.End()

	lines, err := normaliseCartLines(cmd.Items)
	if err != nil {
		return OrderResult{}, err
	}

	order := Order{
		Currency: s.currency,
		Status:   domain.OrderStatusPending,
	}
	if err := s.assignCustomer(&order, cmd); err != nil {
		return OrderResult{}, err
	}

	items, err := s.snapshotItems(ctx, lines)
	if err != nil {
		return OrderResult{}, err
	}
	order.Items = items

	quote := s.shipping.Quote(items)
	order.Subtotal = quote.Subtotal
	order.Shipping = quote.Shipping
	order.Total = quote.Total

	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	order.PaymentExpiresAt = valuePtr(now.Add(s.expiryWindow))

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		return mapRepositoryError(s.orders.Insert(txCtx, &order))
	})
	if err != nil {
		return OrderResult{}, err
	}
	span.SetAttributes(attribute.Int64("order.id", order.ID))

	s.invalidateOrder(ctx, order.ID)
	s.publishEvent(ctx, LifecycleEvent{
		Type:          lifecycleEventOrderCreated,
		OrderID:       order.ID,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.Actor.ID,
		ActorRole:     string(cmd.Actor.Role),
		OccurredAt:    now,
		Metadata: map[string]any{
			"origin": string(order.Origin),
			"total":  order.Total.String(),
		},
	})
	popup := s.notify(ctx, EventOrderPlaced, &order, cmd.Actor, map[string]any{
		"popup_message": fmt.Sprintf("Your order #%d has been placed. Complete payment within %s to confirm it.", order.ID, formatWindow(s.expiryWindow)),
		"expires_at":    order.PaymentExpiresAt,
	})

	return OrderResult{Order: order, Popup: popup}, nil
}

func (s *orderService) assignCustomer(order *Order, cmd PlaceOrderCommand) error {
	actor := cmd.Actor
	switch {
	case actor.Role == domain.ActorRoleUser && strings.TrimSpace(actor.ID) != "":
		order.Origin = domain.OrderOriginUser
		order.UserID = valuePtr(strings.TrimSpace(actor.ID))
		order.UserEmail = strings.TrimSpace(actor.Email)
		if cmd.AddressID == nil && cmd.ShippingAddress == nil {
			return fmt.Errorf("%w: address id or shipping address is required", ErrInvalidInput)
		}
		if cmd.AddressID != nil {
			if *cmd.AddressID <= 0 {
				return fmt.Errorf("%w: address id must be positive", ErrInvalidInput)
			}
			order.AddressID = valuePtr(*cmd.AddressID)
		}
	case actor.Role == domain.ActorRoleAdmin:
		order.Origin = domain.OrderOriginAdminOffline
	case actor.Role == "" || actor.Role == domain.ActorRoleGuest:
		order.Origin = domain.OrderOriginGuest
	default:
		return fmt.Errorf("%w: actor role %q cannot place orders", ErrForbidden, actor.Role)
	}

	if order.Origin != domain.OrderOriginUser {
		order.GuestName = strings.TrimSpace(cmd.GuestName)
		order.GuestEmail = strings.ToLower(strings.TrimSpace(cmd.GuestEmail))
		if order.GuestEmail == "" || !strings.Contains(order.GuestEmail, "@") {
			return fmt.Errorf("%w: guest email is required", ErrInvalidInput)
		}
		if cmd.ShippingAddress == nil {
			return fmt.Errorf("%w: shipping address is required", ErrInvalidInput)
		}
	}
	if cmd.ShippingAddress != nil {
		addr, err := normaliseAddress(*cmd.ShippingAddress)
		if err != nil {
			return err
		}
		order.ShippingAddress = &addr
	}
	return nil
}

func (s *orderService) snapshotItems(ctx context.Context, lines []CartLine) ([]OrderItem, error) {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.BookID)
	}
	books, err := s.books.FindByIDs(ctx, ids)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	byID := make(map[int64]domain.Book, len(books))
	for _, book := range books {
		byID[book.ID] = book
	}

	items := make([]OrderItem, 0, len(lines))
	for _, line := range lines {
		book, ok := byID[line.BookID]
		if !ok {
			return nil, fmt.Errorf("%w: book %d", ErrNotFound, line.BookID)
		}
		if book.Format == domain.BookFormatDigital {
			return nil, fmt.Errorf("%w: book %d is digital and cannot be shipped", ErrInvalidInput, book.ID)
		}
		if book.Stock < line.Quantity {
			return nil, fmt.Errorf("%w: %q has %d left", ErrInsufficientStock, book.Title, book.Stock)
		}
		items = append(items, OrderItem{
			BookID:    book.ID,
			Title:     book.Title,
			UnitPrice: book.Price,
			Quantity:  line.Quantity,
		})
	}
	return items, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	var order Order
	if !s.loadCache(ctx, orderCacheKey(cmd.OrderID), &order) {
		found, err := s.orders.FindByID(ctx, cmd.OrderID)
		if err != nil {
			return Order{}, mapRepositoryError(err)
		}
		order = found
		s.storeCache(ctx, orderCacheKey(cmd.OrderID), order)
	}

	if !cmd.Actor.IsAdmin() && !ownsOrder(cmd.Actor, order) {
		return Order{}, fmt.Errorf("%w: order %d", ErrNotFound, cmd.OrderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error) {
	filter := repositories.OrderListFilter{
		Status:     slices.Clone(cmd.Status),
		Pagination: cmd.Pagination,
	}
	scope := "all"
	if !cmd.Actor.IsAdmin() {
		userID := strings.TrimSpace(cmd.Actor.ID)
		if userID == "" {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: sign in to list orders", ErrForbidden)
		}
		filter.UserID = &userID
		scope = "user:" + userID
	}

	key := orderListCacheKey(scope, filter)
	var page domain.CursorPage[Order]
	if s.loadCache(ctx, key, &page) {
		return page, nil
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError(err)
	}
	s.storeCache(ctx, key, page)
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (OrderResult, error) {
	if !cmd.Actor.IsAdmin() {
		return OrderResult{}, fmt.Errorf("%w: admin privileges required", ErrForbidden)
	}
	if cmd.OrderID <= 0 {
		return OrderResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.Target)))
	if target == "" {
		return OrderResult{}, fmt.Errorf("%w: target status is required", ErrInvalidInput)
	}

	var (
		order    Order
		previous domain.OrderStatus
		closed   *closedRequest
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByIDForUpdate(txCtx, cmd.OrderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		previous = current.Status
		now := s.now()
		if err := applyTransition(&current, target, CauseManual, now); err != nil {
			return err
		}

		switch target {
		case domain.OrderStatusPaid:
			// Manual payment confirmation reserves stock the same way the finalizer does.
			if err := s.ledger.Reserve(txCtx, stockLinesFor(current)); err != nil {
				return err
			}
			current.StockReservedAt = valuePtr(now)
		case domain.OrderStatusCancelled:
			current.CancelledBy = "admin"
			if err := releaseOrderFunds(txCtx, s.payments, s.ledger, &current, now); err != nil {
				return err
			}
			if closed, err = s.closeCancellationRequest(txCtx, current.ID, cmd.Actor, now); err != nil {
				return err
			}
		}

		if err := s.orders.Update(txCtx, current, previous); err != nil {
			return mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	extra := cloneAnyMap(cmd.Extra)
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		extra["reason"] = reason
	}
	s.invalidateOrder(ctx, order.ID)
	s.publishStatusChange(ctx, order, previous, cmd.Actor, extra)
	s.publishRequestClosed(ctx, closed, cmd.Actor)
	popup := s.notifyStatus(ctx, order, cmd.Actor, extra)
	return OrderResult{Order: order, Popup: popup}, nil
}

func (s *orderService) CancelByUser(ctx context.Context, cmd CancelOrderCommand) (OrderResult, error) {
	if cmd.OrderID <= 0 {
		return OrderResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.Actor.ID) == "" {
		return OrderResult{}, fmt.Errorf("%w: sign in to cancel orders", ErrForbidden)
	}

	var (
		order    Order
		previous domain.OrderStatus
		closed   *closedRequest
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByIDForUpdate(txCtx, cmd.OrderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if !ownsOrder(cmd.Actor, current) {
			return fmt.Errorf("%w: order %d", ErrNotFound, cmd.OrderID)
		}
		if current.Status != domain.OrderStatusPending && current.Status != domain.OrderStatusPaid {
			return fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, current.Status)
		}
		previous = current.Status
		now := s.now()
		if err := applyTransition(&current, domain.OrderStatusCancelled, CauseUser, now); err != nil {
			return err
		}
		current.CancelledBy = "user"
		if err := releaseOrderFunds(txCtx, s.payments, s.ledger, &current, now); err != nil {
			return err
		}
		if closed, err = s.closeCancellationRequest(txCtx, current.ID, cmd.Actor, now); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, current, previous); err != nil {
			return mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	extra := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		extra["reason"] = reason
	}
	s.invalidateOrder(ctx, order.ID)
	s.publishStatusChange(ctx, order, previous, cmd.Actor, extra)
	s.publishRequestClosed(ctx, closed, cmd.Actor)
	popup := s.notify(ctx, EventOrderCancelled, &order, cmd.Actor, extra)
	return OrderResult{Order: order, Popup: popup}, nil
}

// closedRequest is a cancellation request closed because its order was cancelled directly.
type closedRequest struct {
	request  CancellationRequest
	previous domain.CancellationStatus
}

// closeCancellationRequest rejects the order's open cancellation request once the order itself is cancelled.
// Refunds for the released payments then run without a request.
func (s *orderService) closeCancellationRequest(ctx context.Context, orderID int64, actor Actor, now time.Time) (*closedRequest, error) {
	if s.cancellations == nil {
		return nil, nil
	}
	request, err := s.cancellations.FindActiveByOrder(ctx, orderID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return nil, nil
		}
		return nil, mapRepositoryError(err)
	}
	previous := request.Status
	request.Status = domain.CancellationStatusRejected
	request.AdminNotes = firstNonEmpty(request.AdminNotes, "superseded: order cancelled by "+string(actor.Role))
	request.ProcessedBy = actor.ID
	request.ProcessedAt = valuePtr(now)
	if err := s.cancellations.Update(ctx, request, previous); err != nil {
		return nil, mapRepositoryError(err)
	}
	return &closedRequest{request: request, previous: previous}, nil
}

func (s *orderService) publishRequestClosed(ctx context.Context, closed *closedRequest, actor Actor) {
	if closed == nil {
		return
	}
	s.publishEvent(ctx, LifecycleEvent{
		Type:           lifecycleEventCancellationChanged,
		OrderID:        closed.request.OrderID,
		PreviousStatus: string(closed.previous),
		CurrentStatus:  string(closed.request.Status),
		ActorID:        actor.ID,
		ActorRole:      string(actor.Role),
		Metadata: map[string]any{
			"requestId": closed.request.ID,
			"reason":    "order_cancelled",
		},
	})
}

// releaseOrderFunds flags successful payments for refund and puts reserved stock back.
func releaseOrderFunds(ctx context.Context, payments repositories.PaymentRepository, ledger InventoryLedger, order *Order, now time.Time) error {
	records, err := payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return mapRepositoryError(err)
	}
	for _, payment := range records {
		if payment.Status != domain.PaymentStatusSuccess {
			continue
		}
		payment.Status = domain.PaymentStatusRefundPending
		payment.UpdatedAt = now
		if err := payments.Update(ctx, payment); err != nil {
			return mapRepositoryError(err)
		}
	}
	restored, err := ledger.Restore(ctx, order.ID)
	if err != nil {
		return err
	}
	if restored {
		order.StockRestoredAt = valuePtr(now)
	}
	return nil
}

func stockLinesFor(order Order) []StockLine {
	lines := make([]StockLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, StockLine{BookID: item.BookID, Quantity: item.Quantity})
	}
	return lines
}

func normaliseCartLines(items []CartLine) ([]CartLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrInvalidInput)
	}
	if len(items) > maxOrderLines {
		return nil, fmt.Errorf("%w: order may contain at most %d lines", ErrInvalidInput, maxOrderLines)
	}
	index := make(map[int64]int, len(items))
	out := make([]CartLine, 0, len(items))
	for _, item := range items {
		if item.BookID <= 0 {
			return nil, fmt.Errorf("%w: book id is required", ErrInvalidInput)
		}
		if item.Quantity <= 0 || item.Quantity > maxLineQuantity {
			return nil, fmt.Errorf("%w: quantity for book %d must be between 1 and %d", ErrInvalidInput, item.BookID, maxLineQuantity)
		}
		if pos, ok := index[item.BookID]; ok {
			out[pos].Quantity += item.Quantity
			continue
		}
		index[item.BookID] = len(out)
		out = append(out, item)
	}
	return out, nil
}

func normaliseAddress(addr Address) (Address, error) {
	addr.Recipient = strings.TrimSpace(addr.Recipient)
	addr.Line1 = strings.TrimSpace(addr.Line1)
	addr.Line2 = strings.TrimSpace(addr.Line2)
	addr.City = strings.TrimSpace(addr.City)
	addr.State = strings.TrimSpace(addr.State)
	addr.PostalCode = strings.TrimSpace(addr.PostalCode)
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
	addr.Phone = strings.TrimSpace(addr.Phone)
	if addr.Recipient == "" || addr.Line1 == "" || addr.City == "" || addr.PostalCode == "" {
		return Address{}, fmt.Errorf("%w: shipping address requires recipient, line1, city and postal code", ErrInvalidInput)
	}
	return addr, nil
}

func formatWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}

func cloneAnyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}
