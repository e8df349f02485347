package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"vhm24-loyalty/pkg/auth"
	"vhm24-loyalty/pkg/errutil"
)

var ErrRateLimited = errutil.Sentinel(errutil.StatusTooManyRequests, "RATE_LIMITED", "too many requests, slow down")

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per account.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.sweep(now)
	return v.limiter.AllowN(now, 1)
}

// sweep drops buckets idle longer than rl.idle. Caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	if len(rl.visitors) < 1024 {
		return
	}
	for k, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, k)
		}
	}
}

// Handler limits by :account_id, falling back to the caller subject and then
// the client IP.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("account_id")
		if key == "" {
			if p, ok := auth.FromContext(c.Request.Context()); ok {
				key = p.Subject
			} else {
				key = c.ClientIP()
			}
		}

		if !rl.Allow(key) {
			Abort(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
