package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bookhaven/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareChain []func(http.Handler) http.Handler

func (c middlewareChain) apply(r chi.Router) {
	for _, mw := range c {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// routeGroup is one mounted prefix under the API base path.
type routeGroup struct {
	path      string
	registrar RouteRegistrar
	chain     middlewareChain
	// mutating groups also receive the shared mutation middleware (idempotency).
	mutating bool
}

type groupKey int

const (
	groupOrders groupKey = iota
	groupAdmin
	groupWebhooks
	groupInternal
	groupCount
)

var groupPaths = [groupCount]string{
	groupOrders:   "/orders",
	groupAdmin:    "/admin",
	groupWebhooks: "/webhooks",
	groupInternal: "/internal",
}

type routerConfig struct {
	basePath string
	global   middlewareChain
	health   *HealthHandlers
	mutation middlewareChain
	groups   [groupCount]routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

// NewRouter builds the HTTP surface: health probes at the root and the order, admin, webhook and
// internal groups under /api/v1. Groups without a registrar answer 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		global:   middlewareChain{middleware.RequestID, middleware.RealIP, middleware.Timeout(defaultTimeout)},
	}
	for key, path := range groupPaths {
		cfg.groups[key].path = path
	}
	cfg.groups[groupOrders].mutating = true
	cfg.groups[groupAdmin].mutating = true

	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	cfg.global.apply(r)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		msg := fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", msg, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range cfg.groups {
			api.Route(group.path, func(sub chi.Router) {
				group.chain.apply(sub)
				if group.mutating {
					cfg.mutation.apply(sub)
				}
				if group.registrar == nil {
					registerNotImplemented(sub, group.path[1:])
					return
				}
				group.registrar(sub)
			})
		}
	})

	return r
}

// WithMiddlewares appends global middleware, run before any route group.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

// WithHealthHandlers overrides the handlers behind /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMutationMiddlewares configures middleware shared by /orders and /admin, such as idempotency
// key handling. It runs after any group-specific middleware.
func WithMutationMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.mutation = append(cfg.mutation, mw...) }
}

func withRoutes(key groupKey, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[key].registrar = reg }
}

func withGroupMiddlewares(key groupKey, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.groups[key].chain = append(cfg.groups[key].chain, mw...) }
}

// WithOrderRoutes mounts the customer order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option { return withRoutes(groupOrders, reg) }

// WithAdminRoutes mounts the back-office endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option { return withRoutes(groupAdmin, reg) }

// WithAdminMiddlewares guards the admin group, typically with the role check.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupAdmin, mw)
}

// WithWebhookRoutes mounts the payment provider callbacks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withRoutes(groupWebhooks, reg) }

func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalRoutes mounts scheduler triggers.
func WithInternalRoutes(reg RouteRegistrar) Option { return withRoutes(groupInternal, reg) }

func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
