package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/tradein/internal/platform/httpx"
)

// RouteRegistrar mounts a handler set onto its route group.
type RouteRegistrar func(r chi.Router)

type Middleware = func(http.Handler) http.Handler

const (
	apiPrefix         = "/api/v1"
	errorNotFoundCode = "route_not_found"
)

// routeGroup is one subtree below /api/v1. Groups without a registrar answer 501.
type routeGroup struct {
	path     string
	register RouteRegistrar
	use      []Middleware
}

type routerConfig struct {
	timeout time.Duration
	global  []Middleware
	health  *HealthHandlers
	tradeIn routeGroup
	inbound routeGroup
}

type Option func(*routerConfig)

// NewRouter serves /healthz and /readyz at the root and the trade-in API under /api/v1:
//
//	/api/v1/trade-in/...   public estimate, apply, lead and offer routes
//	/api/v1/internal/...   Pub/Sub push deliveries, behind OIDC verification
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		timeout: 20 * time.Second,
		tradeIn: routeGroup{path: "/trade-in"},
		inbound: routeGroup{path: "/internal"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	r.Use(cfg.global...)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	r.Route(apiPrefix, func(api chi.Router) {
		for _, g := range []routeGroup{cfg.tradeIn, cfg.inbound} {
			api.Route(g.path, g.mount)
		}
	})
	return r
}

func (g routeGroup) mount(r chi.Router) {
	r.Use(g.use...)
	if g.register != nil {
		g.register(r)
		return
	}
	notImplemented := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", g.path+" is not enabled on this deployment", http.StatusNotImplemented))
	}
	r.HandleFunc("/", notImplemented)
	r.HandleFunc("/*", notImplemented)
}

// WithMiddlewares adds global middleware. It runs after request id, real ip and timeout; nil entries are skipped.
func WithMiddlewares(mw ...Middleware) Option {
	return func(cfg *routerConfig) { cfg.global = appendNonNil(cfg.global, mw) }
}

// WithRequestTimeout bounds every handler. Non-positive values keep the 20s default.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func WithTradeInRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.tradeIn.register = reg }
}

func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.inbound.register = reg }
}

// WithInternalMiddlewares guards /internal, typically with the push token verifier.
func WithInternalMiddlewares(mw ...Middleware) Option {
	return func(cfg *routerConfig) { cfg.inbound.use = appendNonNil(cfg.inbound.use, mw) }
}

func appendNonNil(dst, src []Middleware) []Middleware {
	for _, mw := range src {
		if mw != nil {
			dst = append(dst, mw)
		}
	}
	return dst
}
