package keystore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type windowMarker struct {
	score  int64
	member string
}

type memoryWindow struct {
	markers   []windowMarker
	expiresAt time.Time
}

type memoryStore struct {
	clock func() time.Time

	mu         sync.Mutex
	entries    map[string]memoryEntry
	windows    map[string]*memoryWindow
	scans      map[uint64]string
	scanCursor uint64
}

// NewMemory builds the in-process backend used for development mode and unit
// tests. It honors the same contract as the valkey backend: lazy TTL expiry,
// glob-matched cursor scans, and per-key atomic window updates.
func NewMemory() Store {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock injects the time source so TTL and window behavior can be
// driven deterministically from tests.
func NewMemoryWithClock(clock func() time.Time) Store {
	if clock == nil {
		clock = time.Now
	}
	return &memoryStore{
		clock:   clock,
		entries: make(map[string]memoryEntry),
		windows: make(map[string]*memoryWindow),
		scans:   make(map[uint64]string),
	}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.clock().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: stored, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	var deleted int64
	for _, key := range keys {
		// A key counts once even when both tables hold it, and expired state
		// counts as already gone, matching DEL on the valkey backend.
		removed := false
		if entry, ok := s.entries[key]; ok {
			delete(s.entries, key)
			if !now.After(entry.expiresAt) {
				removed = true
			}
		}
		if w, ok := s.windows[key]; ok {
			delete(s.windows, key)
			if !now.After(w.expiresAt) {
				removed = true
			}
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

// Scan pages through live keys in lexical order. A non-zero cursor is a ticket
// into the scans table, where the last key of the previous page is kept as a
// watermark; progress survives the invalidator deleting the page it was just
// handed, since deletions never move keys past the watermark.
func (s *memoryStore) Scan(_ context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	if pattern == "" {
		return nil, 0, ErrInvalidKey
	}
	if count <= 0 {
		count = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	watermark := ""
	if cursor != 0 {
		mark, ok := s.scans[cursor]
		if !ok {
			return nil, 0, nil
		}
		delete(s.scans, cursor)
		watermark = mark
	}

	now := s.clock()
	keys := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			continue
		}
		if key > watermark {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	page := keys
	more := false
	if int64(len(keys)) > count {
		page = keys[:count]
		more = true
	}

	matched := make([]string, 0, len(page))
	for _, key := range page {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, 0, fmt.Errorf("keystore: memory scan pattern: %w", err)
		}
		if ok {
			matched = append(matched, key)
		}
	}

	if !more {
		return matched, 0, nil
	}
	s.scanCursor++
	s.scans[s.scanCursor] = page[len(page)-1]
	return matched, s.scanCursor, nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	entry.expiresAt = s.clock().Add(ttl)
	s.entries[key] = entry
	return nil
}

func (s *memoryStore) SlideWindow(_ context.Context, key, member string, now time.Time, window time.Duration, max int) (bool, time.Duration, error) {
	if key == "" {
		return false, 0, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || now.After(w.expiresAt) {
		w = &memoryWindow{}
		s.windows[key] = w
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	survivors := w.markers[:0]
	for _, marker := range w.markers {
		if marker.score >= cutoff {
			survivors = append(survivors, marker)
		}
	}
	w.markers = survivors

	if len(w.markers) < max {
		w.markers = append(w.markers, windowMarker{score: nowMs, member: member})
		w.expiresAt = now.Add(window)
		return true, 0, nil
	}

	oldest := w.markers[0].score
	for _, marker := range w.markers[1:] {
		if marker.score < oldest {
			oldest = marker.score
		}
	}
	retry := time.Duration(oldest+window.Milliseconds()-nowMs) * time.Millisecond
	if retry < time.Millisecond {
		retry = time.Millisecond
	}
	return false, retry, nil
}

func (s *memoryStore) Ping(context.Context) error {
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
