package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrInvalidPattern rejects empty invalidation patterns at the call boundary.
var ErrInvalidPattern = errors.New("cache: pattern required")

// InvalidatePattern deletes every key matching the glob pattern using bounded
// cursor scans, so the store never has to enumerate its whole keyspace in one
// operation. Each page is deleted before the next is fetched.
//
// Returns the number of keys removed; zero matches is success. A mid-scan
// store error aborts with the partial count — callers needing strict
// correctness re-run the sweep, and stale entries self-heal via TTL either
// way.
func (e *Engine) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if strings.TrimSpace(pattern) == "" {
		return 0, ErrInvalidPattern
	}

	var total int
	cursor := uint64(0)
	for {
		keys, next, err := e.store.Scan(ctx, cursor, pattern, e.scanBatch.Load())
		if err != nil {
			e.metrics.ObserveInvalidatedKeys(total)
			return total, fmt.Errorf("cache: invalidate scan: %w", err)
		}
		if len(keys) > 0 {
			deleted, err := e.store.Del(ctx, keys...)
			if err != nil {
				e.metrics.ObserveInvalidatedKeys(total)
				return total, fmt.Errorf("cache: invalidate delete: %w", err)
			}
			total += int(deleted)
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	e.metrics.ObserveInvalidatedKeys(total)
	e.logger.Debug("pattern invalidated", slog.String("pattern", pattern), slog.Int("deleted", total))
	return total, nil
}
