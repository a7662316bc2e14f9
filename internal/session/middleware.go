package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type contextKey struct{}

// FromContext returns the session the middleware attached to the request, or
// nil when the handler runs outside the middleware.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(contextKey{}).(*Session)
	return sess
}

// Middleware binds sessions to requests: it resolves the ID cookie, threads
// the session through the request context, and persists mutations after the
// response is determined without blocking it.
type Middleware struct {
	store       *Store
	logger      *slog.Logger
	saveTimeout time.Duration
	wg          sync.WaitGroup
}

// NewMiddleware wires the middleware around a session store.
func NewMiddleware(store *Store, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		store:       store,
		logger:      logger.With(slog.String("agent", "session")),
		saveTimeout: 2 * time.Second,
	}
}

// Handler wraps next with session binding. New sessions get their cookie set
// before the handler runs so it lands even if the handler writes the response.
// The save after the handler returns is fire-and-forget: it runs on its own
// goroutine with a detached timeout context, and failures are logged, never
// surfaced to the client.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookieValue := ""
		if cookie, err := r.Cookie(m.store.CookieName()); err == nil {
			cookieValue = cookie.Value
		}

		sess, isNew := m.store.Load(r.Context(), cookieValue)
		if isNew {
			http.SetCookie(w, m.store.NewCookie(sess.ID))
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, sess)))

		if sess.Invalidated() {
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
			defer cancel()
			if err := m.store.Save(ctx, sess, m.store.TTL()); err != nil {
				m.logger.Warn("background session save failed", slog.Any("error", err))
			}
		}()
	})
}

// Logout destroys the session and clears the cookie in one step, keeping both
// halves of the contract together so neither orphaned store data nor a dead
// client-side ID survives.
func (m *Middleware) Logout(w http.ResponseWriter, r *http.Request) error {
	sess := FromContext(r.Context())
	if sess == nil {
		return nil
	}
	sess.Invalidate()
	http.SetCookie(w, m.store.ClearCookie())
	return m.store.Destroy(r.Context(), sess.ID)
}

// Flush waits for in-flight background saves, used at shutdown and in tests.
func (m *Middleware) Flush() {
	m.wg.Wait()
}
