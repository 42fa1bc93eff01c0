package sessionrouter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter gates one userId's requests with a token bucket sized to
// refill the full budget over window, plus a window-aligned counter
// used only to compute the X-RateLimit-Remaining/-Reset headers of
// spec §6 — the token bucket is the actual gate (spec §5: "lookup,
// conditional increment with reset").
type userLimiter struct {
	mu          sync.Mutex
	bucket      *rate.Limiter
	windowStart time.Time
	count       int
}

// Limiter is the process-local, per-user rate limiter of spec §4.6:
// 100 requests per rolling 60 s by default, keyed by userId. Grounded
// on pkg/security/ratelimit.go's RateLimiter/getClientLimiter
// double-checked-lock pattern, generalized from a fixed
// requestsPerSecond/burst pair to a configurable limit/window.
type Limiter struct {
	mu     sync.Mutex
	users  map[string]*userLimiter
	limit  int
	window time.Duration
}

// NewLimiter creates a Limiter allowing limit requests per window.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		users:  make(map[string]*userLimiter),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether userID may make one more request right now,
// along with the remaining budget and the time the window resets —
// both purely informational, used for response headers.
func (l *Limiter) Allow(userID string) (allowed bool, remaining int, resetAt time.Time) {
	u := l.getOrCreate(userID)

	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	if u.windowStart.IsZero() || now.Sub(u.windowStart) >= l.window {
		u.windowStart = now
		u.count = 0
	}

	allowed = u.bucket.Allow()
	if allowed {
		u.count++
	}

	remaining = l.limit - u.count
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, u.windowStart.Add(l.window)
}

func (l *Limiter) getOrCreate(userID string) *userLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u, ok := l.users[userID]; ok {
		return u
	}

	ratePerSecond := float64(l.limit) / l.window.Seconds()
	u := &userLimiter{bucket: rate.NewLimiter(rate.Limit(ratePerSecond), l.limit)}
	l.users[userID] = u
	return u
}
