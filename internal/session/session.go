// Package session implements the cookie-bound session store. The cookie
// carries only an opaque UUID; the store record is the sole source of truth
// and its TTL is refreshed on every completed request (sliding expiration).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/k3vld/cachectrl/internal/keystore"
	"github.com/k3vld/cachectrl/internal/metrics"
)

const keyPrefix = "session:"

// ErrInvalidSessionID rejects empty or malformed session IDs at the call boundary.
var ErrInvalidSessionID = errors.New("session: invalid session id")

// CartItem is one line of the session-held cart.
type CartItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Session is the record stored under session:<id>. Route handlers mutate it
// during the request; the middleware persists it once the response is
// determined.
type Session struct {
	ID         string            `json:"-"`
	UserID     string            `json:"userId"`
	Cart       []CartItem        `json:"cart,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastAccess time.Time         `json:"lastAccess"`

	invalidated bool
}

// Invalidate marks the session destroyed so the middleware does not write it
// back after logout resurrects nothing.
func (s *Session) Invalidate() {
	s.invalidated = true
}

// Invalidated reports whether Destroy was requested for this session.
func (s *Session) Invalidated() bool {
	return s.invalidated
}

// Config carries the session policy the store enforces.
type Config struct {
	// TTL is the session lifetime; refreshed on every save.
	TTL time.Duration
	// CookieName is the ID cookie's name, a short fixed token like "sid".
	CookieName string
	// CookieSecure marks the cookie transport-restricted; required in
	// production behind TLS.
	CookieSecure bool
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Store persists sessions in the shared key-value store.
type Store struct {
	store        keystore.Store
	logger       *slog.Logger
	metrics      *metrics.Recorder
	ttl          time.Duration
	cookieName   string
	cookieSecure bool
	clock        func() time.Time
}

// NewStore wires the session store over the shared key-value store.
func NewStore(store keystore.Store, logger *slog.Logger, recorder *metrics.Recorder, cfg Config) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "sid"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		store:        store,
		logger:       logger.With(slog.String("agent", "session")),
		metrics:      recorder,
		ttl:          cfg.TTL,
		cookieName:   cfg.CookieName,
		cookieSecure: cfg.CookieSecure,
		clock:        clock,
	}
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// CookieName returns the configured ID cookie name.
func (s *Store) CookieName() string { return s.cookieName }

// Load resolves a cookie value to a live session. Anything short of a valid
// UUID with a live store record — empty value, malformed ID, expired or
// deleted key, store outage, corrupt payload — mints a fresh zero-value
// session and reports isNew=true, leaving the caller to set the response
// cookie. Load never fails the request.
func (s *Store) Load(ctx context.Context, cookieValue string) (*Session, bool) {
	id := strings.TrimSpace(cookieValue)
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			id = ""
		}
	}
	observed := false
	if id != "" {
		payload, found, err := s.store.Get(ctx, keyPrefix+id)
		switch {
		case err != nil:
			s.logger.Warn("session read failed, minting fresh session", slog.Any("error", err))
			s.metrics.ObserveSession(metrics.SessionOperationLoad, false)
			observed = true
		case found:
			var sess Session
			if uerr := json.Unmarshal(payload, &sess); uerr != nil {
				s.logger.Warn("session record malformed, minting fresh session", slog.Any("error", uerr))
			} else {
				sess.ID = id
				s.metrics.ObserveSession(metrics.SessionOperationLoad, true)
				return &sess, false
			}
		}
	}

	now := s.clock().UTC()
	if !observed {
		s.metrics.ObserveSession(metrics.SessionOperationLoad, true)
	}
	return &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastAccess: now,
	}, true
}

// Save refreshes LastAccess and writes the record with the given TTL in one
// atomic SET, sliding the expiration forward. A ttl of zero or less falls back
// to the configured session lifetime.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSessionID
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	sess.LastAccess = s.clock().UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		s.metrics.ObserveSession(metrics.SessionOperationSave, false)
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := s.store.Set(ctx, keyPrefix+sess.ID, payload, ttl); err != nil {
		s.metrics.ObserveSession(metrics.SessionOperationSave, false)
		return fmt.Errorf("session: save: %w", err)
	}
	s.metrics.ObserveSession(metrics.SessionOperationSave, true)
	return nil
}

// Destroy deletes the store record. Destroying an already-dead ID is a no-op
// success, so logout handlers can call it unconditionally. The caller clears
// the cookie; a destroyed ID is never reused since the next request mints a
// fresh UUID.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidSessionID
	}
	if _, err := s.store.Del(ctx, keyPrefix+id); err != nil {
		s.metrics.ObserveSession(metrics.SessionOperationDestroy, false)
		return fmt.Errorf("session: destroy: %w", err)
	}
	s.metrics.ObserveSession(metrics.SessionOperationDestroy, true)
	return nil
}

// NewCookie builds the ID cookie. HttpOnly and SameSite=Lax are invariants of
// the session contract, not configuration: the client must never script-read
// the ID, and cross-site transmission is restricted to top-level navigations.
func (s *Store) NewCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cookieSecure,
	}
}

// ClearCookie builds the expired cookie that removes the ID client-side after
// Destroy.
func (s *Store) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cookieSecure,
	}
}
