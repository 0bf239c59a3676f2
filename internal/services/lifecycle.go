package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

const (
	lifecycleEventOrderCreated        = "order.created"
	lifecycleEventOrderStatusChanged  = "order.status.changed"
	lifecycleEventPaymentRecorded     = "payment.recorded"
	lifecycleEventCancellationChanged = "cancellation.status.changed"
	lifecycleEventRefundProcessed     = "refund.processed"
	lifecycleEventPurchaseExpired     = "ebook_purchase.expired"

	orderCachePrefix     = "orders:"
	orderListCachePrefix = "orders:list:"
	defaultOrderCacheTTL = 5 * time.Minute
)

// lifecycleSupport carries the post-commit side effects shared by every lifecycle service.
type lifecycleSupport struct {
	unitOfWork repositories.UnitOfWork
	dispatcher NotificationDispatcher
	events     LifecycleEventPublisher
	cache      Cache
	cacheTTL   time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

type lifecycleOptions struct {
	UnitOfWork repositories.UnitOfWork
	Dispatcher NotificationDispatcher
	Events     LifecycleEventPublisher
	Cache      Cache
	CacheTTL   time.Duration
	Clock      func() time.Time
	IDGen      func() string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

func newLifecycleSupport(opts lifecycleOptions) lifecycleSupport {
	unit := opts.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := opts.IDGen
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultOrderCacheTTL
	}

	return lifecycleSupport{
		unitOfWork: unit,
		dispatcher: opts.Dispatcher,
		events:     opts.Events,
		cache:      opts.Cache,
		cacheTTL:   ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}
}

func (s lifecycleSupport) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s lifecycleSupport) now() time.Time {
	return s.clock()
}

func (s lifecycleSupport) notify(ctx context.Context, event NotificationEvent, order *Order, actor Actor, extra map[string]any) *PopupPayload {
	if s.dispatcher == nil {
		return nil
	}
	var snapshot *Order
	if order != nil {
		copied := *order
		snapshot = &copied
	}
	return s.dispatcher.Dispatch(ctx, DispatchRequest{
		Event: event,
		Order: snapshot,
		Actor: actor,
		Extra: extra,
	})
}

// notifyStatus dispatches the event mapped to the order's current status, if any.
func (s lifecycleSupport) notifyStatus(ctx context.Context, order Order, actor Actor, extra map[string]any) *PopupPayload {
	event, ok := statusEvents[order.Status]
	if !ok {
		return nil
	}
	return s.notify(ctx, event, &order, actor, extra)
}

func (s lifecycleSupport) publishEvent(ctx context.Context, event LifecycleEvent) {
	if s.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = s.newID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishLifecycleEvent(ctx, event); err != nil {
		s.logger(ctx, "lifecycle.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s lifecycleSupport) publishStatusChange(ctx context.Context, order Order, previous domain.OrderStatus, actor Actor, metadata map[string]any) {
	s.publishEvent(ctx, LifecycleEvent{
		Type:           lifecycleEventOrderStatusChanged,
		OrderID:        order.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor.ID,
		ActorRole:      string(actor.Role),
		Metadata:       metadata,
	})
}

func orderCacheKey(orderID int64) string {
	return fmt.Sprintf("%s%d:view", orderCachePrefix, orderID)
}

func orderListCacheKey(scope string, filter repositories.OrderListFilter) string {
	statuses := make([]string, 0, len(filter.Status))
	for _, st := range filter.Status {
		statuses = append(statuses, string(st))
	}
	return fmt.Sprintf("%s%s:%v:%d:%s", orderListCachePrefix, scope, statuses, filter.Pagination.PageSize, filter.Pagination.PageToken)
}

func (s lifecycleSupport) storeCache(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.logger(ctx, "order.cache.set.failed", map[string]any{"key": key, "error": err.Error()})
	}
}

func (s lifecycleSupport) loadCache(ctx context.Context, key string, dest any) bool {
	if s.cache == nil {
		return false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

// invalidateOrder drops the cached view of the order and every cached listing.
func (s lifecycleSupport) invalidateOrder(ctx context.Context, orderID int64) {
	if s.cache == nil {
		return
	}
	for _, prefix := range []string{orderCacheKey(orderID), orderListCachePrefix} {
		if err := s.cache.Invalidate(ctx, prefix); err != nil {
			s.logger(ctx, "order.cache.invalidate.failed", map[string]any{
				"orderId": orderID,
				"prefix":  prefix,
				"error":   err.Error(),
			})
		}
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func actorLabel(actor Actor) string {
	if actor.ID != "" {
		return actor.ID
	}
	return string(actor.Role)
}

func ownsOrder(actor Actor, order Order) bool {
	return order.UserID != nil && actor.ID != "" && *order.UserID == actor.ID
}
