package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/k3vld/cachectrl/internal/keystore"
)

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	limiter := New(keystore.NewMemoryWithClock(clock), nil, nil, "ratelimit", time.Minute, 1, Options{Clock: clock})

	handler := Middleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.RemoteAddr = "1.2.3.4:5123"
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/products", nil)
	req.RemoteAddr = "1.2.3.4:5124"
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", second.Code)
	}
	retryAfter, err := strconv.Atoi(second.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Fatalf("expected positive Retry-After seconds, got %q", second.Header().Get("Retry-After"))
	}
}

func TestMiddlewareKeysOnClientIP(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	limiter := New(keystore.NewMemoryWithClock(clock), nil, nil, "ratelimit", time.Minute, 1, Options{Clock: clock})

	handler := Middleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, addr := range []string{"1.2.3.4:1000", "5.6.7.8:1000"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/products", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d from distinct client should pass, got %d", i, rec.Code)
		}
	}
}

func TestMiddlewareFailsOpenOnStoreOutage(t *testing.T) {
	limiter := New(downStore{}, nil, nil, "ratelimit", time.Minute, 1, Options{})

	handler := Middleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.RemoteAddr = "1.2.3.4:5123"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("store outage must not block traffic, got %d", rec.Code)
	}
}
