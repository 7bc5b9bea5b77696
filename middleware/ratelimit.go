package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idle limiters are dropped after this long
const limiterIdle = 10 * time.Minute

// RateLimiter keeps one token bucket per user
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*userLimiter
	lastSweep time.Time
	now       func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per user with the given burst
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*userLimiter),
		now:      time.Now,
	}
}

// Allow reports whether user may make a request now
func (rl *RateLimiter) Allow(user string) bool {
	rl.mu.Lock()
	now := rl.now()
	rl.sweep(now)

	ul, ok := rl.limiters[user]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[user] = ul
	}
	ul.lastSeen = now
	rl.mu.Unlock()

	return ul.limiter.AllowN(now, 1)
}

// sweep drops idle limiters; callers hold mu
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < limiterIdle {
		return
	}
	rl.lastSweep = now
	for user, ul := range rl.limiters {
		if now.Sub(ul.lastSeen) > limiterIdle {
			delete(rl.limiters, user)
		}
	}
}

// RateLimit rejects requests of users over their limit with 429. A nil
// limiter disables limiting. Must run after Identity.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := User(r.Context())
			if !rl.Allow(user) {
				log.Printf("Rate limit exceeded for user %s (request %s)", user, RequestID(r.Context()))
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
