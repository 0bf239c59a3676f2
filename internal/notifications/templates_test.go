package notifications

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/services"
)

func sampleOrder() domain.Order {
	expires := time.Date(2026, 3, 14, 9, 45, 0, 0, time.UTC)
	return domain.Order{
		ID:         42,
		GuestName:  "Asha <script>alert(1)</script>",
		GuestEmail: "asha@example.com",
		ShippingAddress: &domain.Address{
			Recipient: "Asha",
			Line1:     "12 Park Street",
			City:      "Kolkata",
		},
		Items: []domain.OrderItem{
			{BookID: 7, Title: "The Left Hand of Darkness", UnitPrice: decimal.NewFromInt(200), Quantity: 2},
		},
		Currency:         "INR",
		Subtotal:         decimal.NewFromInt(400),
		Shipping:         decimal.NewFromInt(150),
		Total:            decimal.NewFromInt(550),
		Status:           domain.OrderStatusPending,
		PaymentExpiresAt: &expires,
	}
}

func TestRendererRendersEveryRuleTemplate(t *testing.T) {
	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	known := map[string]bool{}
	for _, name := range renderer.Templates() {
		known[name] = true
	}

	for _, event := range services.NotificationEvents() {
		rule, ok := services.RuleFor(event)
		if !ok {
			t.Fatalf("missing rule for %s", event)
		}
		for _, name := range []string{rule.Template, rule.AdminTemplate} {
			if name == "" {
				continue
			}
			if !known[name] {
				t.Fatalf("event %s references unknown template %s", event, name)
			}
			html, err := renderer.Render(name, map[string]any{
				"Event":    string(event),
				"Audience": "user",
				"Order":    sampleOrder(),
				"Extra": map[string]any{
					"reason":     "ordered twice",
					"adminNotes": "approved",
					"amount":     "550.00",
					"reference":  "re_123",
				},
			})
			if err != nil {
				t.Fatalf("render %s: %v", name, err)
			}
			if !strings.Contains(html, "#42") {
				t.Fatalf("%s: expected order number in output", name)
			}
		}
	}
}

func TestRendererFormatsMoneyAndSanitises(t *testing.T) {
	renderer, err := NewRenderer(WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	html, err := renderer.Render("order_placed", map[string]any{
		"Audience": "user",
		"Order":    sampleOrder(),
		"Extra":    map[string]any{"expires_at": sampleOrder().PaymentExpiresAt},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(html, "550") {
		t.Fatalf("expected total in output, got %s", html)
	}
	if strings.Contains(html, "<script>") {
		t.Fatalf("expected script tag to be escaped")
	}
	if !strings.Contains(html, "14 Mar 2026 09:45 UTC") {
		t.Fatalf("expected expiry timestamp in output")
	}
}

func TestRendererUnknownTemplate(t *testing.T) {
	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	if _, err := renderer.Render("missing", nil); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}

func TestFormatMoneyUnknownCurrency(t *testing.T) {
	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	money := renderer.funcs["money"].(func(decimal.Decimal, string) string)
	if got := money(decimal.NewFromFloat(12.5), "??"); got != "?? 12.50" {
		t.Fatalf("unexpected fallback %q", got)
	}
}

func TestCleanStripsMarkup(t *testing.T) {
	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	clean := renderer.funcs["clean"].(func(any) string)
	if got := clean(`<b>late</b><script>x()</script>`); got != "late" {
		t.Fatalf("unexpected sanitised value %q", got)
	}
}
