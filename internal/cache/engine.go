// Package cache implements the read-through cache-aside engine and the
// pattern invalidator over the shared key-value store. Callers own key naming
// (colon-namespaced, e.g. products:all, products:42) and TTL choice; the
// engine owns the store round trips and their failure policy.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/k3vld/cachectrl/internal/keystore"
	"github.com/k3vld/cachectrl/internal/metrics"
)

var (
	// ErrInvalidKey rejects empty cache keys; a programmer error in the route layer.
	ErrInvalidKey = errors.New("cache: key required")
	// ErrInvalidTTL rejects zero or negative TTLs instead of guessing a meaning for them.
	ErrInvalidTTL = errors.New("cache: ttl must be positive")
	// ErrNilProducer rejects a missing producer function.
	ErrNilProducer = errors.New("cache: producer required")
)

// Source tags where a result came from.
type Source string

const (
	// SourceCache marks a result served from the store.
	SourceCache Source = "cache"
	// SourceOrigin marks a result computed by the producer on a miss.
	SourceOrigin Source = "origin"
)

// Result carries the data plus the provenance metadata the route layer turns
// into X-Cache and X-Latency-Ms headers. Never persisted.
type Result[T any] struct {
	Data    T
	Source  Source
	Elapsed time.Duration
}

// Engine is the cache-aside façade shared by all route handlers.
type Engine struct {
	store   keystore.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	clock   func() time.Time

	// scanBatch is live-tunable via SetScanBatch on config reload.
	scanBatch atomic.Int64
}

// Options tune engine behavior beyond the defaults.
type Options struct {
	// ScanBatch bounds how many keys one invalidation SCAN round trip may touch.
	ScanBatch int
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// NewEngine wires the engine to the shared store. The logger and recorder are
// required collaborators; metrics may be nil in tests since the recorder is
// nil-safe.
func NewEngine(store keystore.Store, logger *slog.Logger, recorder *metrics.Recorder, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	batch := int64(opts.ScanBatch)
	if batch <= 0 {
		batch = 100
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		store:   store,
		logger:  logger.With(slog.String("agent", "cache")),
		metrics: recorder,
		clock:   clock,
	}
	e.scanBatch.Store(batch)
	return e
}

// SetScanBatch swaps the invalidation page size; non-positive values are
// ignored so a bad reload cannot stall sweeps.
func (e *Engine) SetScanBatch(batch int) {
	if batch <= 0 {
		return
	}
	e.scanBatch.Store(int64(batch))
}

// Get implements cache-aside for one key: consult the store, fall back to the
// producer on a miss, and write the produced value back with the given TTL.
//
// The producer is never invoked on a hit. Producer errors propagate verbatim
// and are never cached. Store failures degrade instead of breaking the
// request: a failed read is treated as a miss, a failed write-back is logged
// and swallowed. Context cancellation propagates as an error rather than
// surfacing stale or empty data.
//
// Concurrent misses on the same key may each invoke the producer; the
// redundant write-backs are idempotent, so the final state converges.
func Get[T any](ctx context.Context, e *Engine, key string, ttl time.Duration, produce func(context.Context) (T, error)) (Result[T], error) {
	var zero Result[T]
	if key == "" {
		return zero, ErrInvalidKey
	}
	if ttl <= 0 {
		return zero, fmt.Errorf("%w: got %s", ErrInvalidTTL, ttl)
	}
	if produce == nil {
		return zero, ErrNilProducer
	}

	start := e.clock()

	payload, found, err := e.store.Get(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		// Fail open: an unreachable store downgrades the request to an origin
		// fetch instead of an error.
		e.logger.Warn("cache read failed, treating as miss", slog.String("key", key), slog.Any("error", err))
		e.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheError, e.clock().Sub(start))
	}
	if err == nil && found {
		var data T
		if uerr := json.Unmarshal(payload, &data); uerr != nil {
			e.logger.Warn("cache entry malformed, refetching from origin", slog.String("key", key), slog.Any("error", uerr))
		} else {
			elapsed := e.clock().Sub(start)
			e.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheHit, elapsed)
			return Result[T]{Data: data, Source: SourceCache, Elapsed: elapsed}, nil
		}
	}

	data, perr := produce(ctx)
	if perr != nil {
		return zero, perr
	}

	if encoded, merr := json.Marshal(data); merr != nil {
		e.logger.Warn("cache write-back skipped, value not serializable", slog.String("key", key), slog.Any("error", merr))
	} else if serr := e.store.Set(ctx, key, encoded, ttl); serr != nil {
		// The data was already produced; a failed cache write must never fail
		// the request.
		e.logger.Warn("cache write-back failed", slog.String("key", key), slog.Any("error", serr))
		e.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheError, e.clock().Sub(start))
	} else {
		e.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheStored, e.clock().Sub(start))
	}

	elapsed := e.clock().Sub(start)
	e.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheMiss, elapsed)
	return Result[T]{Data: data, Source: SourceOrigin, Elapsed: elapsed}, nil
}
