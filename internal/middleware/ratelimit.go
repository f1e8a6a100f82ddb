package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

const rateLimitSweepSize = 4096

// RateLimit enforces a fixed-window request budget per caller. Authenticated
// requests are keyed by user id so clients behind a shared NAT do not starve
// each other; anonymous requests fall back to the client address.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	var mu sync.Mutex
	windows := make(map[string]*rateWindow)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromContext(r.Context())
			if key == "" {
				key = clientIP(r)
			}

			now := time.Now()
			mu.Lock()
			win, ok := windows[key]
			if !ok || now.After(win.resetAt) {
				if len(windows) >= rateLimitSweepSize {
					for k, v := range windows {
						if now.After(v.resetAt) {
							delete(windows, k)
						}
					}
				}
				win = &rateWindow{resetAt: now.Add(per)}
				windows[key] = win
			}
			win.count++
			exceeded := win.count > limit
			retryAfter := time.Until(win.resetAt)
			mu.Unlock()

			if exceeded {
				seconds := int(retryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
