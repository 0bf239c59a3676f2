package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/bookhaven/api/internal/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

const layoutFile = "templates/layout.html"

// Renderer renders the transactional email templates embedded in the binary.
type Renderer struct {
	tag      language.Tag
	location *time.Location
	policy   *bluemonday.Policy
	funcs    template.FuncMap
	cache    map[string]*template.Template
}

// RendererOption customises a Renderer.
type RendererOption func(*Renderer)

// WithLocale sets the language used for money formatting. Invalid tags fall back to English.
func WithLocale(tag string) RendererOption {
	return func(r *Renderer) {
		if parsed, err := language.Parse(strings.TrimSpace(tag)); err == nil {
			r.tag = parsed
		}
	}
}

// WithLocation sets the time zone used for rendered timestamps.
func WithLocation(loc *time.Location) RendererOption {
	return func(r *Renderer) {
		if loc != nil {
			r.location = loc
		}
	}
}

// NewRenderer constructs a renderer and parses every embedded template once.
func NewRenderer(opts ...RendererOption) (*Renderer, error) {
	r := &Renderer{
		tag:      language.English,
		location: time.UTC,
		policy:   bluemonday.StrictPolicy(),
		cache:    map[string]*template.Template{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	printer := message.NewPrinter(r.tag)
	r.funcs = template.FuncMap{
		"money": func(amount decimal.Decimal, code string) string {
			return formatMoney(printer, amount, code)
		},
		"clean": func(v any) string {
			return r.policy.Sanitize(fmt.Sprint(v))
		},
		"datetime": func(v any) string {
			return formatTime(v, r.location)
		},
		"customer": customerName,
	}

	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("notifications: read templates: %w", err)
	}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".html")
		if name == "layout" {
			continue
		}
		tmpl, err := template.New(name).
			Option("missingkey=zero").
			Funcs(r.funcs).
			ParseFS(templateFS, layoutFile, "templates/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("notifications: parse template %s: %w", name, err)
		}
		r.cache[name] = tmpl
	}
	return r, nil
}

// Render executes the named template with data.
func (r *Renderer) Render(name string, data any) (string, error) {
	tmpl, ok := r.cache[name]
	if !ok {
		return "", fmt.Errorf("notifications: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", fmt.Errorf("notifications: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Templates lists the names Render accepts.
func (r *Renderer) Templates() []string {
	return slices.Sorted(maps.Keys(r.cache))
}

func formatMoney(printer *message.Printer, amount decimal.Decimal, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return strings.TrimSpace(code + " " + amount.StringFixed(2))
	}
	return printer.Sprint(currency.Symbol(unit.Amount(amount.InexactFloat64())))
}

func formatTime(v any, loc *time.Location) string {
	var t time.Time
	switch value := v.(type) {
	case time.Time:
		t = value
	case *time.Time:
		if value == nil {
			return ""
		}
		t = *value
	default:
		return ""
	}
	return t.In(loc).Format("2 Jan 2006 15:04 MST")
}

func customerName(order domain.Order) string {
	if name := strings.TrimSpace(order.GuestName); name != "" {
		return name
	}
	if order.ShippingAddress != nil && strings.TrimSpace(order.ShippingAddress.Recipient) != "" {
		return strings.TrimSpace(order.ShippingAddress.Recipient)
	}
	return "reader"
}
