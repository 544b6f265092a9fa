package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/askflow/askflow/internal/log"
)

const rateLimiterCleanupInterval = 5 * time.Minute

// rateLimiter implements fixed-window per-IP limiting for the public widget
// surface: max requests per window, then 429 with Retry-After until the
// window rolls over. Stale windows are cleaned up inline during allow calls.
type rateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	limit       int
	windowSize  time.Duration
	lastCleanup time.Time

	now func() time.Time
}

// window counts requests from one IP in the current fixed window.
type window struct {
	start time.Time
	count int
}

// newRateLimiter creates a limiter allowing limit requests per windowSize.
func newRateLimiter(limit int, windowSize time.Duration) *rateLimiter {
	return &rateLimiter{
		windows:     make(map[string]*window),
		limit:       limit,
		windowSize:  windowSize,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// allow reports whether a request from ip may proceed, and if not, how long
// until its window resets.
func (rl *rateLimiter) allow(ip string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if now.Sub(rl.lastCleanup) > rateLimiterCleanupInterval {
		for k, v := range rl.windows {
			if now.Sub(v.start) > rl.windowSize {
				delete(rl.windows, k)
			}
		}
		rl.lastCleanup = now
	}

	w, exists := rl.windows[ip]
	if !exists || now.Sub(w.start) >= rl.windowSize {
		rl.windows[ip] = &window{start: now, count: 1}
		return true, 0
	}

	if w.count >= rl.limit {
		return false, w.start.Add(rl.windowSize).Sub(now)
	}
	w.count++
	return true, 0
}

// rateLimitMiddleware rejects over-limit clients with 429 and a Retry-After
// header before any streaming begins.
func rateLimitMiddleware(rl *rateLimiter, trustProxy bool, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			ok, retryAfter := rl.allow(ip)
			if !ok {
				logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path)
				seconds := int(retryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
