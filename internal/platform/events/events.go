package events

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/bookhaven/api/internal/services"
)

// prepare fills the event id when the caller left it blank.
func prepare(event services.LifecycleEvent) services.LifecycleEvent {
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	return event
}

// partitionKey keeps every event for one order on the same partition or ordering key.
func partitionKey(event services.LifecycleEvent) string {
	switch {
	case event.OrderID > 0:
		return "order-" + strconv.FormatInt(event.OrderID, 10)
	case event.PurchaseID > 0:
		return "purchase-" + strconv.FormatInt(event.PurchaseID, 10)
	default:
		return event.ID
	}
}

func attributes(event services.LifecycleEvent) map[string]string {
	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "currentStatus", event.CurrentStatus)
	setAttr(attrs, "previousStatus", event.PreviousStatus)
	setAttr(attrs, "actorRole", event.ActorRole)
	if event.OrderID > 0 {
		attrs["orderId"] = strconv.FormatInt(event.OrderID, 10)
	}
	if event.PurchaseID > 0 {
		attrs["purchaseId"] = strconv.FormatInt(event.PurchaseID, 10)
	}
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
