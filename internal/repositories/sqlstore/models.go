package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
)

type bookModel struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	Title     string          `gorm:"size:255;not null"`
	Format    string          `gorm:"size:16;not null;default:physical"`
	Price     decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Stock     int             `gorm:"not null;default:0;check:chk_books_stock,stock >= 0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (bookModel) TableName() string { return "books" }

type addressColumns struct {
	Recipient  string `gorm:"size:128"`
	Line1      string `gorm:"size:255"`
	Line2      string `gorm:"size:255"`
	City       string `gorm:"size:128"`
	State      string `gorm:"size:128"`
	PostalCode string `gorm:"size:32"`
	Country    string `gorm:"size:2"`
	Phone      string `gorm:"size:32"`
}

type orderModel struct {
	ID                int64            `gorm:"primaryKey;autoIncrement"`
	UserID            *string          `gorm:"size:64;index"`
	UserEmail         string           `gorm:"size:255"`
	GuestName         string           `gorm:"size:128"`
	GuestEmail        string           `gorm:"size:255"`
	AddressID         *int64           `gorm:"index"`
	Ship              addressColumns   `gorm:"embedded;embeddedPrefix:ship_"`
	Items             []orderItemModel `gorm:"foreignKey:OrderID"`
	Currency          string           `gorm:"size:3;not null"`
	Subtotal          decimal.Decimal  `gorm:"type:decimal(10,2);not null"`
	Shipping          decimal.Decimal  `gorm:"type:decimal(10,2);not null"`
	Total             decimal.Decimal  `gorm:"type:decimal(10,2);not null"`
	Status            string           `gorm:"size:32;not null;index:idx_orders_status_created,priority:1"`
	Origin            string           `gorm:"size:16;not null"`
	ExternalOrderID   string           `gorm:"size:128;index"`
	ExternalPaymentID string           `gorm:"size:128"`
	ExternalSignature string           `gorm:"size:255"`
	CancelledBy       string           `gorm:"size:16"`
	ReminderSent      bool             `gorm:"not null;default:false"`
	PaymentExpiresAt  *time.Time
	StockReservedAt   *time.Time
	StockRestoredAt   *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime:false;index:idx_orders_status_created,priority:2"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
}

func (orderModel) TableName() string { return "orders" }

type orderItemModel struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	OrderID   int64           `gorm:"not null;index"`
	BookID    int64           `gorm:"not null;index"`
	Title     string          `gorm:"size:255;not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Quantity  int             `gorm:"not null"`
}

func (orderItemModel) TableName() string { return "order_items" }

type paymentModel struct {
	ID              int64           `gorm:"primaryKey;autoIncrement"`
	OrderID         int64           `gorm:"not null;index"`
	TransactionID   string          `gorm:"size:128;not null;uniqueIndex"`
	ActiveKey       *string         `gorm:"size:160;uniqueIndex"`
	Amount          decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Currency        string          `gorm:"size:3;not null"`
	Method          string          `gorm:"size:32;not null"`
	Status          string          `gorm:"size:32;not null"`
	Mode            string          `gorm:"size:16;not null"`
	RefundReference string          `gorm:"size:128"`
	RefundedAmount  decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	RecordedBy      string          `gorm:"size:64"`
	CreatedAt       time.Time       `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime:false"`
}

func (paymentModel) TableName() string { return "payments" }

type cancellationModel struct {
	ID              int64               `gorm:"primaryKey;autoIncrement"`
	OrderID         int64               `gorm:"not null;index"`
	ActiveOrderID   *int64              `gorm:"uniqueIndex"`
	UserID          string              `gorm:"size:64;not null"`
	Reason          string              `gorm:"size:500;not null"`
	Notes           string              `gorm:"type:text"`
	Status          string              `gorm:"size:16;not null;index"`
	RefundAmount    decimal.NullDecimal `gorm:"type:decimal(10,2)"`
	RefundMethod    string              `gorm:"size:32"`
	RefundReference string              `gorm:"size:128"`
	AdminNotes      string              `gorm:"type:text"`
	ProcessedBy     string              `gorm:"size:64"`
	RequestedAt     time.Time
	ProcessedAt     *time.Time
}

func (cancellationModel) TableName() string { return "cancellation_requests" }

type ebookPurchaseModel struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	UserID    string          `gorm:"size:64;not null;index"`
	BookID    int64           `gorm:"not null;index"`
	Amount    decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Status    string          `gorm:"size:16;not null;index:idx_ebook_status_created,priority:1"`
	CreatedAt time.Time       `gorm:"autoCreateTime:false;index:idx_ebook_status_created,priority:2"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime:false"`
}

func (ebookPurchaseModel) TableName() string { return "ebook_purchases" }

type adminNotificationModel struct {
	ID        string    `gorm:"primaryKey;size:26"`
	Event     string    `gorm:"size:64;not null"`
	OrderID   *int64    `gorm:"index"`
	Title     string    `gorm:"size:255;not null"`
	Message   string    `gorm:"type:text"`
	Read      bool      `gorm:"column:is_read;not null;default:false;index"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;index"`
}

func (adminNotificationModel) TableName() string { return "admin_notifications" }

// Models lists every table managed by the store, in dependency order.
func Models() []any {
	return []any{
		&bookModel{},
		&orderModel{},
		&orderItemModel{},
		&paymentModel{},
		&cancellationModel{},
		&ebookPurchaseModel{},
		&adminNotificationModel{},
	}
}

func newBookModel(book domain.Book) bookModel {
	format := string(book.Format)
	if format == "" {
		format = string(domain.BookFormatPhysical)
	}
	return bookModel{
		ID:     book.ID,
		Title:  book.Title,
		Format: format,
		Price:  book.Price,
		Stock:  book.Stock,
	}
}

func (m bookModel) toDomain() domain.Book {
	return domain.Book{
		ID:     m.ID,
		Title:  m.Title,
		Format: domain.BookFormat(m.Format),
		Price:  m.Price,
		Stock:  m.Stock,
	}
}

func newOrderModel(order domain.Order) orderModel {
	m := orderModel{
		ID:                order.ID,
		UserID:            cloneString(order.UserID),
		UserEmail:         order.UserEmail,
		GuestName:         order.GuestName,
		GuestEmail:        order.GuestEmail,
		AddressID:         cloneInt64(order.AddressID),
		Currency:          order.Currency,
		Subtotal:          order.Subtotal,
		Shipping:          order.Shipping,
		Total:             order.Total,
		Status:            string(order.Status),
		Origin:            string(order.Origin),
		ExternalOrderID:   order.ExternalOrderID,
		ExternalPaymentID: order.ExternalPaymentID,
		ExternalSignature: order.ExternalSignature,
		CancelledBy:       order.CancelledBy,
		ReminderSent:      order.ReminderSent,
		PaymentExpiresAt:  utcPtr(order.PaymentExpiresAt),
		StockReservedAt:   utcPtr(order.StockReservedAt),
		StockRestoredAt:   utcPtr(order.StockRestoredAt),
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		ShippedAt:         utcPtr(order.ShippedAt),
		DeliveredAt:       utcPtr(order.DeliveredAt),
		CancelledAt:       utcPtr(order.CancelledAt),
	}
	if addr := order.ShippingAddress; addr != nil {
		m.Ship = addressColumns{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    strings.ToUpper(addr.Country),
			Phone:      addr.Phone,
		}
	}
	if len(order.Items) > 0 {
		m.Items = make([]orderItemModel, 0, len(order.Items))
		for _, item := range order.Items {
			m.Items = append(m.Items, orderItemModel{
				ID:        item.ID,
				OrderID:   order.ID,
				BookID:    item.BookID,
				Title:     item.Title,
				UnitPrice: item.UnitPrice,
				Quantity:  item.Quantity,
			})
		}
	}
	return m
}

// mutableColumns lists the order columns an Update may rewrite. Identity, pricing and items are fixed at placement.
func (m orderModel) mutableColumns() map[string]any {
	return map[string]any{
		"status":              m.Status,
		"external_order_id":   m.ExternalOrderID,
		"external_payment_id": m.ExternalPaymentID,
		"external_signature":  m.ExternalSignature,
		"cancelled_by":        m.CancelledBy,
		"reminder_sent":       m.ReminderSent,
		"payment_expires_at":  m.PaymentExpiresAt,
		"stock_reserved_at":   m.StockReservedAt,
		"updated_at":          m.UpdatedAt,
		"shipped_at":          m.ShippedAt,
		"delivered_at":        m.DeliveredAt,
		"cancelled_at":        m.CancelledAt,
	}
}

func (m orderModel) toDomain() domain.Order {
	order := domain.Order{
		ID:                m.ID,
		UserID:            cloneString(m.UserID),
		UserEmail:         m.UserEmail,
		GuestName:         m.GuestName,
		GuestEmail:        m.GuestEmail,
		AddressID:         cloneInt64(m.AddressID),
		Currency:          m.Currency,
		Subtotal:          m.Subtotal,
		Shipping:          m.Shipping,
		Total:             m.Total,
		Status:            domain.OrderStatus(m.Status),
		Origin:            domain.OrderOrigin(m.Origin),
		ExternalOrderID:   m.ExternalOrderID,
		ExternalPaymentID: m.ExternalPaymentID,
		ExternalSignature: m.ExternalSignature,
		CancelledBy:       m.CancelledBy,
		ReminderSent:      m.ReminderSent,
		PaymentExpiresAt:  utcPtr(m.PaymentExpiresAt),
		StockReservedAt:   utcPtr(m.StockReservedAt),
		StockRestoredAt:   utcPtr(m.StockRestoredAt),
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
		ShippedAt:         utcPtr(m.ShippedAt),
		DeliveredAt:       utcPtr(m.DeliveredAt),
		CancelledAt:       utcPtr(m.CancelledAt),
	}
	if m.Ship.Line1 != "" {
		order.ShippingAddress = &domain.Address{
			Recipient:  m.Ship.Recipient,
			Line1:      m.Ship.Line1,
			Line2:      m.Ship.Line2,
			City:       m.Ship.City,
			State:      m.Ship.State,
			PostalCode: m.Ship.PostalCode,
			Country:    m.Ship.Country,
			Phone:      m.Ship.Phone,
		}
	}
	if len(m.Items) > 0 {
		order.Items = make([]domain.OrderItem, 0, len(m.Items))
		for _, item := range m.Items {
			order.Items = append(order.Items, domain.OrderItem{
				ID:        item.ID,
				OrderID:   item.OrderID,
				BookID:    item.BookID,
				Title:     item.Title,
				UnitPrice: item.UnitPrice,
				Quantity:  item.Quantity,
			})
		}
	}
	return order
}

func newPaymentModel(payment domain.Payment) paymentModel {
	return paymentModel{
		ID:              payment.ID,
		OrderID:         payment.OrderID,
		TransactionID:   payment.TransactionID,
		ActiveKey:       paymentActiveKey(payment),
		Amount:          payment.Amount,
		Currency:        payment.Currency,
		Method:          payment.Method,
		Status:          string(payment.Status),
		Mode:            string(payment.Mode),
		RefundReference: payment.RefundReference,
		RefundedAmount:  payment.RefundedAmount,
		RecordedBy:      payment.RecordedBy,
		CreatedAt:       payment.CreatedAt.UTC(),
		UpdatedAt:       payment.UpdatedAt.UTC(),
	}
}

// paymentActiveKey is unique per (order, method) among non-failed payments; failed payments release it.
func paymentActiveKey(payment domain.Payment) *string {
	if payment.Status == domain.PaymentStatusFailed {
		return nil
	}
	key := fmt.Sprintf("%d:%s", payment.OrderID, strings.ToLower(payment.Method))
	return &key
}

func (m paymentModel) toDomain() domain.Payment {
	return domain.Payment{
		ID:              m.ID,
		OrderID:         m.OrderID,
		TransactionID:   m.TransactionID,
		Amount:          m.Amount,
		Currency:        m.Currency,
		Method:          m.Method,
		Status:          domain.PaymentStatus(m.Status),
		Mode:            domain.PaymentMode(m.Mode),
		RefundReference: m.RefundReference,
		RefundedAmount:  m.RefundedAmount,
		RecordedBy:      m.RecordedBy,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

func newCancellationModel(req domain.CancellationRequest) cancellationModel {
	m := cancellationModel{
		ID:              req.ID,
		OrderID:         req.OrderID,
		UserID:          req.UserID,
		Reason:          req.Reason,
		Notes:           req.Notes,
		Status:          string(req.Status),
		RefundMethod:    req.RefundMethod,
		RefundReference: req.RefundReference,
		AdminNotes:      req.AdminNotes,
		ProcessedBy:     req.ProcessedBy,
		RequestedAt:     req.RequestedAt.UTC(),
		ProcessedAt:     utcPtr(req.ProcessedAt),
	}
	if req.IsActive() {
		orderID := req.OrderID
		m.ActiveOrderID = &orderID
	}
	if req.RefundAmount != nil {
		m.RefundAmount = decimal.NewNullDecimal(*req.RefundAmount)
	}
	return m
}

func (m cancellationModel) toDomain() domain.CancellationRequest {
	req := domain.CancellationRequest{
		ID:              m.ID,
		OrderID:         m.OrderID,
		UserID:          m.UserID,
		Reason:          m.Reason,
		Notes:           m.Notes,
		Status:          domain.CancellationStatus(m.Status),
		RefundMethod:    m.RefundMethod,
		RefundReference: m.RefundReference,
		AdminNotes:      m.AdminNotes,
		ProcessedBy:     m.ProcessedBy,
		RequestedAt:     m.RequestedAt.UTC(),
		ProcessedAt:     utcPtr(m.ProcessedAt),
	}
	if m.RefundAmount.Valid {
		amount := m.RefundAmount.Decimal
		req.RefundAmount = &amount
	}
	return req
}

func newEbookPurchaseModel(purchase domain.EbookPurchase) ebookPurchaseModel {
	return ebookPurchaseModel{
		ID:        purchase.ID,
		UserID:    purchase.UserID,
		BookID:    purchase.BookID,
		Amount:    purchase.Amount,
		Status:    string(purchase.Status),
		CreatedAt: purchase.CreatedAt.UTC(),
		UpdatedAt: purchase.UpdatedAt.UTC(),
	}
}

func (m ebookPurchaseModel) toDomain() domain.EbookPurchase {
	return domain.EbookPurchase{
		ID:        m.ID,
		UserID:    m.UserID,
		BookID:    m.BookID,
		Amount:    m.Amount,
		Status:    domain.EbookPurchaseStatus(m.Status),
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func newAdminNotificationModel(n domain.AdminNotification) adminNotificationModel {
	return adminNotificationModel{
		ID:        n.ID,
		Event:     n.Event,
		OrderID:   cloneInt64(n.OrderID),
		Title:     n.Title,
		Message:   n.Message,
		Read:      n.Read,
		CreatedAt: n.CreatedAt.UTC(),
	}
}

func (m adminNotificationModel) toDomain() domain.AdminNotification {
	return domain.AdminNotification{
		ID:        m.ID,
		Event:     m.Event,
		OrderID:   cloneInt64(m.OrderID),
		Title:     m.Title,
		Message:   m.Message,
		Read:      m.Read,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
