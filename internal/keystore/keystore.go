// Package keystore wraps the TTL-capable key-value store that backs the
// cache-aside engine, the pattern invalidator, the sliding-window rate
// limiter, and the session store. The process opens one Store at startup,
// shares it across every component, and closes it once at shutdown; all
// implementations are safe for concurrent use.
package keystore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidKey rejects empty or otherwise unusable keys at the call boundary.
	ErrInvalidKey = errors.New("keystore: invalid key")
	// ErrInvalidTTL rejects zero or negative TTLs at the call boundary.
	ErrInvalidTTL = errors.New("keystore: invalid ttl")
)

// Store is the surface the caching subsystem needs from the key-value store.
type Store interface {
	// Get returns the value stored under key. Absence is (nil, false, nil),
	// never an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value under key with the given TTL as a single atomic
	// operation. A TTL of zero or less is rejected.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the given keys and reports how many actually existed.
	// Deleting absent keys is not an error.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Scan returns one bounded page of keys matching the glob pattern plus the
	// continuation cursor. Cursor zero is both the initial value and the
	// terminal sentinel.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	// Expire refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SlideWindow executes the rate limiter's prune/count/add step atomically
	// for one window key: markers older than now-window are dropped, and the
	// new member is admitted only when fewer than max markers survive. On
	// rejection retryAfter reports how long until the oldest surviving marker
	// leaves the window. The key's TTL is reset to the window size on every
	// admission so silent identities decay on their own.
	SlideWindow(ctx context.Context, key, member string, now time.Time, window time.Duration, max int) (allowed bool, retryAfter time.Duration, err error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the store connection. Safe to call once at shutdown.
	Close(ctx context.Context) error
}
