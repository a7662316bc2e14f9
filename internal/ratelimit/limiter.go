// Package ratelimit provides the sliding-window rate limiter and its HTTP
// middleware. Correctness (never more than max admissions inside any window)
// depends on the store executing prune/count/add atomically per identity, so
// the limiter delegates that step to keystore.Store.SlideWindow rather than
// composing separate read-then-write calls.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k3vld/cachectrl/internal/keystore"
	"github.com/k3vld/cachectrl/internal/metrics"
)

var (
	// ErrInvalidIdentity rejects empty identities at the call boundary.
	ErrInvalidIdentity = errors.New("ratelimit: identity required")
	// ErrInvalidWindow rejects non-positive windows.
	ErrInvalidWindow = errors.New("ratelimit: window must be positive")
	// ErrInvalidMax rejects non-positive admission limits.
	ErrInvalidMax = errors.New("ratelimit: max must be positive")
)

// Decision reports the outcome of one admission attempt.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the oldest surviving request marker leaves
	// the window. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter admits requests per identity within a moving time window. Window and
// max are live-tunable so config reloads take effect without a restart.
type Limiter struct {
	store   keystore.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	prefix  string
	clock   func() time.Time

	mu     sync.RWMutex
	window time.Duration
	max    int
}

// Options tune limiter behavior beyond the defaults.
type Options struct {
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// New wires a limiter over the shared store. prefix namespaces the window keys
// (e.g. "ratelimit" yields "ratelimit:<identity>").
func New(store keystore.Store, logger *slog.Logger, recorder *metrics.Recorder, prefix string, window time.Duration, max int, opts Options) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		store:   store,
		logger:  logger.With(slog.String("agent", "ratelimit")),
		metrics: recorder,
		prefix:  strings.TrimSuffix(prefix, ":"),
		clock:   clock,
		window:  window,
		max:     max,
	}
}

// Limits returns the currently configured window and max.
func (l *Limiter) Limits() (time.Duration, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.window, l.max
}

// SetLimits swaps the window and max; invalid values are ignored so a bad
// reload cannot disable limiting.
func (l *Limiter) SetLimits(window time.Duration, max int) {
	if window <= 0 || max <= 0 {
		return
	}
	l.mu.Lock()
	l.window = window
	l.max = max
	l.mu.Unlock()
}

// Allow records one request attempt for identity against the given window and
// max. When the store is unreachable the limiter fails open: the decision
// admits the request and the store error is returned for observability only.
// Validation failures (empty identity, non-positive window or max) reject the
// call itself, not the request.
func (l *Limiter) Allow(ctx context.Context, identity string, window time.Duration, max int) (Decision, error) {
	if strings.TrimSpace(identity) == "" {
		return Decision{}, ErrInvalidIdentity
	}
	if window <= 0 {
		return Decision{}, fmt.Errorf("%w: got %s", ErrInvalidWindow, window)
	}
	if max <= 0 {
		return Decision{}, fmt.Errorf("%w: got %d", ErrInvalidMax, max)
	}

	now := l.clock()
	key := l.prefix + ":" + identity
	// Timestamp plus a random suffix keeps same-millisecond markers distinct.
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()

	allowed, retryAfter, err := l.store.SlideWindow(ctx, key, member, now, window, max)
	if err != nil {
		// Fail open: a limiter outage must never become a service outage.
		l.logger.Warn("window update failed, admitting request", slog.String("identity", identity), slog.Any("error", err))
		l.metrics.ObserveLimit(metrics.LimitError)
		return Decision{Allowed: true}, err
	}

	if allowed {
		l.metrics.ObserveLimit(metrics.LimitAllowed)
		return Decision{Allowed: true}, nil
	}
	l.metrics.ObserveLimit(metrics.LimitRejected)
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
