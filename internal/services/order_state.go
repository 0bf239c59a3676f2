package services

import (
	"slices"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
)

// TransitionCause names the workflow requesting a status change. Some edges are reserved to one cause.
type TransitionCause string

const (
	CauseManual    TransitionCause = "manual"
	CauseFinalizer TransitionCause = "finalizer"
	CauseSweeper   TransitionCause = "sweeper"
	CauseRefund    TransitionCause = "refund"
	CauseUser      TransitionCause = "user"
)

type transitionEdge struct {
	to     domain.OrderStatus
	causes []TransitionCause
}

var (
	anyManual  = []TransitionCause{CauseManual, CauseUser}
	refundOnly = []TransitionCause{CauseRefund}
)

var orderStateTransitions = map[domain.OrderStatus][]transitionEdge{
	domain.OrderStatusPending: {
		{to: domain.OrderStatusProcessing, causes: []TransitionCause{CauseManual}},
		{to: domain.OrderStatusCancelled, causes: anyManual},
		{to: domain.OrderStatusPaid, causes: []TransitionCause{CauseFinalizer, CauseManual}},
		{to: domain.OrderStatusExpired, causes: []TransitionCause{CauseSweeper}},
	},
	domain.OrderStatusPaid: {
		{to: domain.OrderStatusProcessing, causes: []TransitionCause{CauseManual}},
		{to: domain.OrderStatusCancelled, causes: anyManual},
		{to: domain.OrderStatusRefunded, causes: refundOnly},
		{to: domain.OrderStatusPartiallyRefunded, causes: refundOnly},
	},
	domain.OrderStatusProcessing: {
		{to: domain.OrderStatusShipped, causes: []TransitionCause{CauseManual}},
		{to: domain.OrderStatusFailed, causes: []TransitionCause{CauseManual}},
		{to: domain.OrderStatusRefunded, causes: refundOnly},
		{to: domain.OrderStatusPartiallyRefunded, causes: refundOnly},
	},
	domain.OrderStatusShipped: {
		{to: domain.OrderStatusDelivered, causes: []TransitionCause{CauseManual}},
		{to: domain.OrderStatusFailed, causes: []TransitionCause{CauseManual}},
	},
	domain.OrderStatusCancelled: {
		{to: domain.OrderStatusRefunded, causes: refundOnly},
		{to: domain.OrderStatusPartiallyRefunded, causes: refundOnly},
	},
	domain.OrderStatusExpired: {
		{to: domain.OrderStatusPaid, causes: []TransitionCause{CauseFinalizer}},
	},
}

// canTransition reports whether cause may move an order from current to target.
// A no-op transition is never accepted.
func canTransition(current, target domain.OrderStatus, cause TransitionCause) bool {
	edges, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	for _, edge := range edges {
		if edge.to == target {
			return slices.Contains(edge.causes, cause)
		}
	}
	return false
}

// IsTerminal reports whether no further transitions leave status.
func IsTerminal(status domain.OrderStatus) bool {
	return len(orderStateTransitions[status]) == 0
}

// AllowedTargets lists statuses reachable from current by cause.
func AllowedTargets(current domain.OrderStatus, cause TransitionCause) []domain.OrderStatus {
	var out []domain.OrderStatus
	for _, edge := range orderStateTransitions[current] {
		if slices.Contains(edge.causes, cause) {
			out = append(out, edge.to)
		}
	}
	return out
}

// applyTransition validates and applies target to order, stamping status timestamps.
func applyTransition(order *domain.Order, target domain.OrderStatus, cause TransitionCause, now time.Time) error {
	if !canTransition(order.Status, target, cause) {
		return &TransitionError{From: order.Status, To: target}
	}
	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusShipped:
		order.ShippedAt = valuePtr(now)
	case domain.OrderStatusDelivered:
		order.DeliveredAt = valuePtr(now)
	case domain.OrderStatusCancelled:
		order.CancelledAt = valuePtr(now)
	}
	return nil
}

func valuePtr[T any](v T) *T {
	return &v
}
