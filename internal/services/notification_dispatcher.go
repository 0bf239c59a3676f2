package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

// NotificationEvent is the closed set of lifecycle events that can notify someone.
type NotificationEvent string

const (
	EventOrderPlaced     NotificationEvent = "order_placed"
	EventPaymentSuccess  NotificationEvent = "payment_success"
	EventOrderProcessing NotificationEvent = "order_processing"
	EventOrderShipped    NotificationEvent = "order_shipped"
	EventOrderDelivered  NotificationEvent = "order_delivered"
	EventOrderCancelled  NotificationEvent = "order_cancelled"
	EventOrderFailed     NotificationEvent = "order_failed"
	EventCancelRequested NotificationEvent = "cancel_requested"
	EventCancelApproved  NotificationEvent = "cancel_approved"
	EventCancelRejected  NotificationEvent = "cancel_rejected"
	EventRefundProcessed NotificationEvent = "refund_processed"
	EventPaymentHeld     NotificationEvent = "payment_held"
)

// Channels is a bitset of notification channels.
type Channels uint8

const (
	ChannelUserPopup Channels = 1 << iota
	ChannelUserEmail
	ChannelAdminEmail
	ChannelAdminInApp
)

const allChannels = ChannelUserPopup | ChannelUserEmail | ChannelAdminEmail | ChannelAdminInApp

// Has reports whether every channel in other is set.
func (c Channels) Has(other Channels) bool {
	return c&other == other
}

// PopupLevel tints the in-app popup.
type PopupLevel string

const (
	PopupInfo    PopupLevel = "info"
	PopupSuccess PopupLevel = "success"
	PopupWarning PopupLevel = "warning"
)

// NotificationRule describes which channels fire for an event and what they say.
type NotificationRule struct {
	Channels      Channels
	Template      string
	AdminTemplate string
	Subject       string
	AdminSubject  string
	Title         string
	PopupMessage  string
	Level         PopupLevel
}

var notificationRules = map[NotificationEvent]NotificationRule{
	EventOrderPlaced: {
		Channels:      allChannels,
		Template:      "order_placed",
		AdminTemplate: "admin_order_placed",
		Subject:       "We received your order #%d",
		AdminSubject:  "New order #%d",
		Title:         "Order placed",
		PopupMessage:  "Your order has been placed. Complete payment to confirm it.",
		Level:         PopupSuccess,
	},
	EventPaymentSuccess: {
		Channels:     ChannelUserPopup | ChannelUserEmail | ChannelAdminInApp,
		Template:     "payment_success",
		Subject:      "Payment received for order #%d",
		AdminSubject: "Payment received for order #%d",
		Title:        "Payment successful",
		PopupMessage: "Payment received. Your order is confirmed.",
		Level:        PopupSuccess,
	},
	EventOrderProcessing: {
		Channels: ChannelUserEmail,
		Template: "order_processing",
		Subject:  "Order #%d is being prepared",
	},
	EventOrderShipped: {
		Channels:     ChannelUserEmail | ChannelUserPopup,
		Template:     "order_shipped",
		Subject:      "Order #%d has shipped",
		Title:        "Order shipped",
		PopupMessage: "Your order is on its way.",
		Level:        PopupInfo,
	},
	EventOrderDelivered: {
		Channels: ChannelUserEmail,
		Template: "order_delivered",
		Subject:  "Order #%d was delivered",
	},
	EventOrderCancelled: {
		Channels:      allChannels,
		Template:      "order_cancelled",
		AdminTemplate: "admin_order_cancelled",
		Subject:       "Order #%d was cancelled",
		AdminSubject:  "Order #%d cancelled",
		Title:         "Order cancelled",
		PopupMessage:  "The order has been cancelled.",
		Level:         PopupWarning,
	},
	EventOrderFailed: {
		Channels:     ChannelUserEmail | ChannelAdminInApp,
		Template:     "order_failed",
		Subject:      "There was a problem with order #%d",
		AdminSubject: "Order #%d failed",
	},
	EventCancelRequested: {
		Channels:      allChannels,
		Template:      "cancel_requested",
		AdminTemplate: "admin_cancel_requested",
		Subject:       "Cancellation requested for order #%d",
		AdminSubject:  "Cancellation request for order #%d",
		Title:         "Cancellation requested",
		PopupMessage:  "Your cancellation request was submitted and is awaiting review.",
		Level:         PopupInfo,
	},
	EventCancelApproved: {
		Channels:     ChannelUserPopup | ChannelUserEmail,
		Template:     "cancel_approved",
		Subject:      "Cancellation approved for order #%d",
		Title:        "Cancellation approved",
		PopupMessage: "The cancellation request was approved.",
		Level:        PopupSuccess,
	},
	EventCancelRejected: {
		Channels:     ChannelUserPopup | ChannelUserEmail,
		Template:     "cancel_rejected",
		Subject:      "Cancellation request for order #%d was declined",
		Title:        "Cancellation rejected",
		PopupMessage: "The cancellation request was rejected.",
		Level:        PopupWarning,
	},
	EventRefundProcessed: {
		Channels:     ChannelUserPopup | ChannelUserEmail | ChannelAdminInApp,
		Template:     "refund_processed",
		Subject:      "Refund processed for order #%d",
		AdminSubject: "Refund processed for order #%d",
		Title:        "Refund processed",
		PopupMessage: "The refund has been processed.",
		Level:        PopupSuccess,
	},
	EventPaymentHeld: {
		Channels:     ChannelAdminInApp,
		AdminSubject: "Payment received for cancelled order #%d",
	},
}

// statusEvents maps a new order status to the event announcing it.
var statusEvents = map[domain.OrderStatus]NotificationEvent{
	domain.OrderStatusPaid:       EventPaymentSuccess,
	domain.OrderStatusProcessing: EventOrderProcessing,
	domain.OrderStatusShipped:    EventOrderShipped,
	domain.OrderStatusDelivered:  EventOrderDelivered,
	domain.OrderStatusCancelled:  EventOrderCancelled,
	domain.OrderStatusFailed:     EventOrderFailed,
}

// RuleFor returns the rule registered for event.
func RuleFor(event NotificationEvent) (NotificationRule, bool) {
	rule, ok := notificationRules[event]
	return rule, ok
}

// NotificationEvents lists every event with a registered rule, sorted by name.
func NotificationEvents() []NotificationEvent {
	return slices.Sorted(maps.Keys(notificationRules))
}

// DispatchRequest carries the event, the order it concerns, and free-form template data.
// Extra["popup_message"] overrides the rule's popup text.
type DispatchRequest struct {
	Event NotificationEvent
	Order *Order
	Actor Actor
	Extra map[string]any
}

// PopupPayload is returned to the acting user's client for display.
type PopupPayload struct {
	Event   NotificationEvent `json:"event"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   PopupLevel        `json:"level"`
}

// EmailMessage is one rendered email.
type EmailMessage struct {
	To      string
	Subject string
	HTML    string
}

// EmailSender delivers rendered email. Implementations may enqueue instead of sending inline.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// TemplateRenderer renders named email templates.
type TemplateRenderer interface {
	Render(name string, data any) (string, error)
}

// NotificationDispatcherDeps bundles the collaborators of the dispatcher. Every channel is optional.
type NotificationDispatcherDeps struct {
	AdminNotifications repositories.AdminNotificationRepository
	Email              EmailSender
	Templates          TemplateRenderer
	AdminRecipients    []string
	Clock              func() time.Time
	IDGenerator        func() string
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	adminNotes      repositories.AdminNotificationRepository
	email           EmailSender
	templates       TemplateRenderer
	adminRecipients []string
	clock           func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
}

// NewNotificationDispatcher wires the channel backends.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Email != nil && deps.Templates == nil {
		return nil, errors.New("notification dispatcher: template renderer is required with an email sender")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	recipients := make([]string, 0, len(deps.AdminRecipients))
	for _, r := range deps.AdminRecipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}

	return &notificationDispatcher{
		adminNotes:      deps.AdminNotifications,
		email:           deps.Email,
		templates:       deps.Templates,
		adminRecipients: recipients,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Dispatch fires every channel configured for the event. Channel failures are logged and never returned.
func (d *notificationDispatcher) Dispatch(ctx context.Context, req DispatchRequest) *PopupPayload {
	rule, ok := notificationRules[req.Event]
	if !ok {
		return nil
	}

	var popup *PopupPayload
	if rule.Channels.Has(ChannelUserPopup) {
		message := rule.PopupMessage
		if custom, ok := req.Extra["popup_message"].(string); ok && strings.TrimSpace(custom) != "" {
			message = custom
		}
		popup = &PopupPayload{
			Event:   req.Event,
			Title:   rule.Title,
			Message: message,
			Level:   rule.Level,
		}
	}

	if rule.Channels.Has(ChannelAdminInApp) {
		d.notifyAdminInApp(ctx, req, rule)
	}
	if rule.Channels.Has(ChannelUserEmail) {
		d.emailUser(ctx, req, rule)
	}
	if rule.Channels.Has(ChannelAdminEmail) {
		d.emailAdmins(ctx, req, rule)
	}
	return popup
}

func (d *notificationDispatcher) notifyAdminInApp(ctx context.Context, req DispatchRequest, rule NotificationRule) {
	if d.adminNotes == nil {
		return
	}
	note := AdminNotification{
		ID:        d.newID(),
		Event:     string(req.Event),
		Title:     adminTitle(req, rule),
		Message:   adminMessage(req),
		CreatedAt: d.clock(),
	}
	if req.Order != nil {
		note.OrderID = valuePtr(req.Order.ID)
	}
	if err := d.adminNotes.Insert(ctx, note); err != nil {
		d.logger(ctx, "notification.admin_inapp.failed", map[string]any{
			"event": string(req.Event),
			"error": err.Error(),
		})
	}
}

func (d *notificationDispatcher) emailUser(ctx context.Context, req DispatchRequest, rule NotificationRule) {
	if d.email == nil || req.Order == nil {
		return
	}
	to := req.Order.RecipientEmail()
	if to == "" {
		d.logger(ctx, "notification.user_email.skipped", map[string]any{
			"event":   string(req.Event),
			"orderId": req.Order.ID,
		})
		return
	}
	html, err := d.templates.Render(rule.Template, templateData(req, "user"))
	if err != nil {
		d.logger(ctx, "notification.user_email.render_failed", map[string]any{
			"event": string(req.Event),
			"error": err.Error(),
		})
		return
	}
	msg := EmailMessage{To: to, Subject: formatSubject(rule.Subject, req), HTML: html}
	if err := d.email.Send(ctx, msg); err != nil {
		d.logger(ctx, "notification.user_email.failed", map[string]any{
			"event": string(req.Event),
			"error": err.Error(),
		})
	}
}

func (d *notificationDispatcher) emailAdmins(ctx context.Context, req DispatchRequest, rule NotificationRule) {
	if d.email == nil || len(d.adminRecipients) == 0 {
		return
	}
	name := rule.AdminTemplate
	if name == "" {
		name = rule.Template
	}
	html, err := d.templates.Render(name, templateData(req, "admin"))
	if err != nil {
		d.logger(ctx, "notification.admin_email.render_failed", map[string]any{
			"event": string(req.Event),
			"error": err.Error(),
		})
		return
	}
	subject := formatSubject(adminSubjectFormat(rule), req)
	for _, recipient := range d.adminRecipients {
		if err := d.email.Send(ctx, EmailMessage{To: recipient, Subject: subject, HTML: html}); err != nil {
			d.logger(ctx, "notification.admin_email.failed", map[string]any{
				"event":     string(req.Event),
				"recipient": recipient,
				"error":     err.Error(),
			})
		}
	}
}

func templateData(req DispatchRequest, audience string) map[string]any {
	data := map[string]any{
		"Event":    string(req.Event),
		"Audience": audience,
		"Actor":    req.Actor,
		"Extra":    req.Extra,
	}
	if req.Order != nil {
		data["Order"] = *req.Order
	}
	return data
}

func adminSubjectFormat(rule NotificationRule) string {
	if rule.AdminSubject != "" {
		return rule.AdminSubject
	}
	return rule.Subject
}

func formatSubject(format string, req DispatchRequest) string {
	if req.Order == nil || !strings.Contains(format, "%d") {
		return strings.ReplaceAll(format, " #%d", "")
	}
	return fmt.Sprintf(format, req.Order.ID)
}

func adminTitle(req DispatchRequest, rule NotificationRule) string {
	return formatSubject(adminSubjectFormat(rule), req)
}

func adminMessage(req DispatchRequest) string {
	if msg, ok := req.Extra["admin_message"].(string); ok && msg != "" {
		return msg
	}
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(string(req.Event), "_", " "))
	if req.Order != nil {
		fmt.Fprintf(&b, " for order #%d (%s %s)", req.Order.ID, req.Order.Total.StringFixed(2), req.Order.Currency)
	}
	if req.Actor.ID != "" {
		fmt.Fprintf(&b, " by %s", req.Actor.ID)
	}
	if reason, ok := req.Extra["reason"].(string); ok && reason != "" {
		fmt.Fprintf(&b, ": %s", reason)
	}
	return b.String()
}
