package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// Middleware wraps a handler with per-client-IP admission control using the
// limiter's current limits. Rejections surface as 429 with a Retry-After
// header derived from the window math; limiter outages admit the request.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			window, max := l.Limits()
			decision, _ := l.Allow(r.Context(), clientIP(r), window, max)
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. Behind a trusted proxy chain the
// router installs chi's RealIP middleware first, so RemoteAddr already holds
// the originating client.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds rounds up so clients never retry before a slot opens.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
