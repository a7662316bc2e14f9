package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/k3vld/cachectrl/internal/cache"
	"github.com/k3vld/cachectrl/internal/keystore"
	"github.com/k3vld/cachectrl/internal/metrics"
	"github.com/k3vld/cachectrl/internal/ratelimit"
	"github.com/k3vld/cachectrl/internal/session"
)

// Deps gathers the wired components the router dispatches to.
type Deps struct {
	Logger   *slog.Logger
	Store    keystore.Store
	Engine   *cache.Engine
	Limiter  *ratelimit.Limiter
	Sessions *session.Middleware
	Catalog  *Catalog
	Metrics  *metrics.Recorder

	// ListTTL and EntityTTL are the default TTLs the routes hand to the
	// engine: short for aggregate views invalidated by many write paths,
	// longer for single entities.
	ListTTL   time.Duration
	EntityTTL time.Duration
}

type router struct {
	deps Deps
}

// NewRouter assembles the reference HTTP surface: cached catalog reads with
// provenance headers, a write path that triggers pattern invalidation,
// session-bound cart routes, and the health and metrics endpoints.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	rt := &router{deps: deps}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", rt.health)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Group(func(api chi.Router) {
		api.Use(ratelimit.Middleware(deps.Limiter))
		api.Use(deps.Sessions.Handler)

		api.Get("/products", rt.listProducts)
		api.Get("/products/{id}", rt.getProduct)
		api.Get("/products/category/{slug}", rt.listCategory)
		api.Post("/products", rt.createProduct)

		api.Get("/cart", rt.getCart)
		api.Post("/cart", rt.addToCart)
		api.Post("/logout", rt.logout)
	})

	return r
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	if err := rt.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) listProducts(w http.ResponseWriter, r *http.Request) {
	result, err := cache.Get(r.Context(), rt.deps.Engine, "products:all", rt.deps.ListTTL,
		func(ctx context.Context) ([]Product, error) {
			return rt.deps.Catalog.All(ctx)
		})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	setProvenance(w, result.Source, result.Elapsed)
	writeJSON(w, http.StatusOK, result.Data)
}

func (rt *router) getProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := cache.Get(r.Context(), rt.deps.Engine, "products:"+id, rt.deps.EntityTTL,
		func(ctx context.Context) (Product, error) {
			return rt.deps.Catalog.ByID(ctx, id)
		})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	setProvenance(w, result.Source, result.Elapsed)
	writeJSON(w, http.StatusOK, result.Data)
}

func (rt *router) listCategory(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	result, err := cache.Get(r.Context(), rt.deps.Engine, "products:category:"+slug, rt.deps.ListTTL,
		func(ctx context.Context) ([]Product, error) {
			return rt.deps.Catalog.ByCategory(ctx, slug)
		})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	setProvenance(w, result.Source, result.Elapsed)
	writeJSON(w, http.StatusOK, result.Data)
}

// createProduct is the write path: mutate the origin, then evict every cached
// view that may now be stale. Invalidation failures are logged, not fatal —
// stale entries self-heal via TTL.
func (rt *router) createProduct(w http.ResponseWriter, r *http.Request) {
	var p Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product payload"})
		return
	}
	if p.ID == "" || p.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "product id and name required"})
		return
	}
	rt.deps.Catalog.Add(r.Context(), p)

	deleted, err := rt.deps.Engine.InvalidatePattern(r.Context(), "products:*")
	if err != nil {
		rt.deps.Logger.Warn("partial invalidation after product write",
			slog.Int("deleted", deleted), slog.Any("error", err))
	}
	w.Header().Set("X-Invalidated", strconv.Itoa(deleted))
	writeJSON(w, http.StatusCreated, p)
}

type cartRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (rt *router) getCart(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": sess.UserID,
		"cart":   sess.Cart,
	})
}

func (rt *router) addToCart(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session unavailable"})
		return
	}
	var req cartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cart payload"})
		return
	}
	if req.ProductID == "" || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "productId and positive quantity required"})
		return
	}
	if _, err := rt.deps.Catalog.ByID(r.Context(), req.ProductID); err != nil {
		rt.writeError(w, r, err)
		return
	}
	sess.Cart = append(sess.Cart, session.CartItem{ProductID: req.ProductID, Quantity: req.Quantity})
	writeJSON(w, http.StatusOK, map[string]any{"cart": sess.Cart})
}

func (rt *router) logout(w http.ResponseWriter, r *http.Request) {
	if err := rt.deps.Sessions.Logout(w, r); err != nil {
		rt.deps.Logger.Warn("logout destroy failed", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (rt *router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrProductNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
	case r.Context().Err() != nil:
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "request cancelled"})
	default:
		rt.deps.Logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// setProvenance exposes the cache provenance contract to clients.
func setProvenance(w http.ResponseWriter, source cache.Source, elapsed time.Duration) {
	tag := "MISS"
	if source == cache.SourceCache {
		tag = "HIT"
	}
	w.Header().Set("X-Cache", tag)
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(elapsed.Milliseconds(), 10))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
