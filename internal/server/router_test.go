package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"

	"github.com/k3vld/cachectrl/internal/cache"
	"github.com/k3vld/cachectrl/internal/keystore"
	"github.com/k3vld/cachectrl/internal/metrics"
	"github.com/k3vld/cachectrl/internal/ratelimit"
	"github.com/k3vld/cachectrl/internal/session"
)

type testEnv struct {
	client   *httpexpect.Expect
	store    keystore.Store
	limiter  *ratelimit.Limiter
	sessions *session.Middleware
}

func newTestEnv(t *testing.T, limitMax int) *testEnv {
	t.Helper()

	store := keystore.NewMemory()
	recorder := metrics.NewRecorder(nil)
	engine := cache.NewEngine(store, nil, recorder, cache.Options{ScanBatch: 10})
	limiter := ratelimit.New(store, nil, recorder, "ratelimit", time.Minute, limitMax, ratelimit.Options{})
	sessionStore := session.NewStore(store, nil, recorder, session.Config{TTL: time.Hour, CookieName: "sid"})
	sessions := session.NewMiddleware(sessionStore, nil)

	handler := NewRouter(Deps{
		Store:     store,
		Engine:    engine,
		Limiter:   limiter,
		Sessions:  sessions,
		Catalog:   NewCatalog(0),
		Metrics:   recorder,
		ListTTL:   30 * time.Second,
		EntityTTL: 5 * time.Minute,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(sessions.Flush)

	return &testEnv{
		client: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client: &http.Client{
				Jar: httpexpect.NewCookieJar(),
			},
		}),
		store:    store,
		limiter:  limiter,
		sessions: sessions,
	}
}

func TestProductsMissThenHit(t *testing.T) {
	env := newTestEnv(t, 1000)

	first := env.client.GET("/products").Expect().Status(http.StatusOK)
	first.Header("X-Cache").IsEqual("MISS")
	first.Header("X-Latency-Ms").NotEmpty()
	first.JSON().Array().Length().IsEqual(3)

	second := env.client.GET("/products").Expect().Status(http.StatusOK)
	second.Header("X-Cache").IsEqual("HIT")
	second.JSON().Array().Length().IsEqual(3)
}

func TestProductByIDAndCategoryAreCachedIndependently(t *testing.T) {
	env := newTestEnv(t, 1000)

	one := env.client.GET("/products/1").Expect().Status(http.StatusOK)
	one.Header("X-Cache").IsEqual("MISS")
	one.JSON().Object().HasValue("name", "mechanical keyboard")

	env.client.GET("/products/1").Expect().Status(http.StatusOK).
		Header("X-Cache").IsEqual("HIT")

	// A different entity still misses.
	env.client.GET("/products/2").Expect().Status(http.StatusOK).
		Header("X-Cache").IsEqual("MISS")

	cat := env.client.GET("/products/category/peripherals").Expect().Status(http.StatusOK)
	cat.Header("X-Cache").IsEqual("MISS")
	cat.JSON().Array().Length().IsEqual(2)
}

func TestProductNotFound(t *testing.T) {
	env := newTestEnv(t, 1000)

	env.client.GET("/products/999").Expect().Status(http.StatusNotFound).
		JSON().Object().HasValue("error", "product not found")
}

func TestCreateProductInvalidatesCatalogViews(t *testing.T) {
	env := newTestEnv(t, 1000)

	// Warm three cached views plus a foreign namespace key.
	env.client.GET("/products").Expect().Status(http.StatusOK)
	env.client.GET("/products/1").Expect().Status(http.StatusOK)
	env.client.GET("/products/category/displays").Expect().Status(http.StatusOK)

	created := env.client.POST("/products").
		WithJSON(Product{ID: "4", Name: "webcam", Category: "peripherals", PriceCts: 4900}).
		Expect().Status(http.StatusCreated)
	created.Header("X-Invalidated").IsEqual("3")

	// All catalog views miss again and reflect the new product.
	refreshed := env.client.GET("/products").Expect().Status(http.StatusOK)
	refreshed.Header("X-Cache").IsEqual("MISS")
	refreshed.JSON().Array().Length().IsEqual(4)
}

func TestCreateProductRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t, 1000)

	env.client.POST("/products").WithText("{not json").
		Expect().Status(http.StatusBadRequest)
	env.client.POST("/products").WithJSON(Product{Category: "misc"}).
		Expect().Status(http.StatusBadRequest)
}

func TestCartFlowAcrossRequests(t *testing.T) {
	env := newTestEnv(t, 1000)

	resp := env.client.GET("/cart").Expect().Status(http.StatusOK)
	resp.Cookie("sid").Value().NotEmpty()
	resp.JSON().Object().Value("cart").IsNull()

	env.sessions.Flush()

	env.client.POST("/cart").
		WithJSON(cartRequest{ProductID: "2", Quantity: 2}).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("cart").Array().Length().IsEqual(1)

	env.sessions.Flush()

	cart := env.client.GET("/cart").Expect().Status(http.StatusOK).
		JSON().Object().Value("cart").Array()
	cart.Length().IsEqual(1)
	cart.Value(0).Object().HasValue("productId", "2").HasValue("quantity", 2)
}

func TestCartRejectsUnknownProduct(t *testing.T) {
	env := newTestEnv(t, 1000)

	env.client.POST("/cart").
		WithJSON(cartRequest{ProductID: "999", Quantity: 1}).
		Expect().Status(http.StatusNotFound)
}

func TestLogoutClearsSession(t *testing.T) {
	env := newTestEnv(t, 1000)

	env.client.POST("/cart").
		WithJSON(cartRequest{ProductID: "1", Quantity: 1}).
		Expect().Status(http.StatusOK)
	env.sessions.Flush()

	logout := env.client.POST("/logout").Expect().Status(http.StatusOK)
	logout.Cookie("sid").Value().IsEmpty()
	env.sessions.Flush()

	// The next request carries the dead cookie; a fresh empty session results.
	env.client.GET("/cart").Expect().Status(http.StatusOK).
		JSON().Object().Value("cart").IsNull()
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	env := newTestEnv(t, 2)

	env.client.GET("/products").Expect().Status(http.StatusOK)
	env.client.GET("/products").Expect().Status(http.StatusOK)

	limited := env.client.GET("/products").Expect().Status(http.StatusTooManyRequests)
	limited.Header("Retry-After").AsNumber().Ge(1)

	// Health and metrics sit outside the limited group.
	env.client.GET("/healthz").Expect().Status(http.StatusOK)
	env.client.GET("/metrics").Expect().Status(http.StatusOK)
}

func TestHealthzReportsStoreStatus(t *testing.T) {
	env := newTestEnv(t, 1000)

	env.client.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestMetricsExposesCacheCounters(t *testing.T) {
	env := newTestEnv(t, 1000)

	env.client.GET("/products").Expect().Status(http.StatusOK)
	env.client.GET("/products").Expect().Status(http.StatusOK)

	body := env.client.GET("/metrics").Expect().Status(http.StatusOK).Body()
	body.Contains("cachectrl_cache_operations_total")
}
