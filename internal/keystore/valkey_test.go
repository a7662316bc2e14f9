package keystore

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newValkeyStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	store, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store, server
}

func TestValkeyRequiresAddress(t *testing.T) {
	if _, err := NewValkey(ValkeyConfig{}); err == nil {
		t.Fatalf("expected missing address rejection")
	}
}

func TestValkeySetGetDel(t *testing.T) {
	store, _ := newValkeyStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "products:1", []byte(`{"id":"1"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, found, err := store.Get(ctx, "products:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(value) != `{"id":"1"}` {
		t.Fatalf("unexpected get result: found=%v value=%s", found, value)
	}

	_, found, err = store.Get(ctx, "products:missing")
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if found {
		t.Fatalf("absent key must report not found, not an error")
	}

	deleted, err := store.Del(ctx, "products:1", "products:missing")
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
}

func TestValkeyTTLExpiry(t *testing.T) {
	store, server := newValkeyStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "key", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	server.FastForward(2 * time.Second)

	_, found, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("expected key to expire")
	}
}

func TestValkeyScanPages(t *testing.T) {
	store, _ := newValkeyStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("products:%02d", i)
		if err := store.Set(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if err := store.Set(ctx, "session:abc", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set session key: %v", err)
	}

	seen := map[string]struct{}{}
	cursor := uint64(0)
	for {
		keys, next, err := store.Scan(ctx, cursor, "products:*", 10)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	if len(seen) != 30 {
		t.Fatalf("expected 30 distinct matches, got %d", len(seen))
	}
	if _, ok := seen["session:abc"]; ok {
		t.Fatalf("scan must not match foreign namespaces")
	}
}

func TestValkeySlideWindowAdmitsUpToMax(t *testing.T) {
	store, _ := newValkeyStore(t)
	ctx := context.Background()

	now := time.Now()
	window := time.Second
	for i := 0; i < 3; i++ {
		allowed, _, err := store.SlideWindow(ctx, "rl:1.2.3.4", fmt.Sprintf("m%d", i), now, window, 3)
		if err != nil {
			t.Fatalf("slide window: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	allowed, retryAfter, err := store.SlideWindow(ctx, "rl:1.2.3.4", "m4", now, window, 3)
	if err != nil {
		t.Fatalf("slide window: %v", err)
	}
	if allowed {
		t.Fatalf("expected rejection once window is full")
	}
	if retryAfter <= 0 || retryAfter > window {
		t.Fatalf("retry hint outside window bounds: %s", retryAfter)
	}
}

func TestValkeySlideWindowSlides(t *testing.T) {
	store, _ := newValkeyStore(t)
	ctx := context.Background()

	base := time.Now()
	window := time.Second

	// Fill the window at t0, then attempt again past the window edge. The
	// timestamps drive the pruning, so no real sleeping is needed.
	for i := 0; i < 2; i++ {
		if allowed, _, err := store.SlideWindow(ctx, "rl:ip", fmt.Sprintf("m%d", i), base, window, 2); err != nil || !allowed {
			t.Fatalf("warmup admission %d failed: allowed=%v err=%v", i, allowed, err)
		}
	}
	if allowed, _, err := store.SlideWindow(ctx, "rl:ip", "blocked", base.Add(500*time.Millisecond), window, 2); err != nil || allowed {
		t.Fatalf("expected mid-window rejection: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := store.SlideWindow(ctx, "rl:ip", "later", base.Add(window+10*time.Millisecond), window, 2); err != nil || !allowed {
		t.Fatalf("expected admission after slide: allowed=%v err=%v", allowed, err)
	}
}

func TestValkeyWindowKeyDecays(t *testing.T) {
	store, server := newValkeyStore(t)
	ctx := context.Background()

	if allowed, _, err := store.SlideWindow(ctx, "rl:quiet", "m0", time.Now(), time.Second, 5); err != nil || !allowed {
		t.Fatalf("admission failed: allowed=%v err=%v", allowed, err)
	}
	if !server.Exists("rl:quiet") {
		t.Fatalf("expected window key to exist right after admission")
	}
	server.FastForward(2 * time.Second)
	if server.Exists("rl:quiet") {
		t.Fatalf("expected silent identity's window key to expire with the window")
	}
}
