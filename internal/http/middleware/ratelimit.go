// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter with per-key
// buckets and opportunistic garbage collection. It serves two callers:
//   - Handler(): edge limiting of the non-metered routes, keyed by account or IP
//   - Take(): the metered endpoint, which limits per credential and client IP
//     with the credential's own requests-per-minute budget and reports the
//     remaining tokens in a response header
//
// Notes:
//   - This limiter is process-local. Horizontally scaled deployments get one
//     budget per replica.
//   - The limiter is intended for abuse control; it is not an authorization
//     mechanism.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByAccountOrIP returns a keyFunc that prefers the authenticated account
// (set by Authenticate) and falls back to the client IP address.
//
// The resulting keys are prefixed to avoid collisions between account and IP
// namespaces (e.g., "acct:acct_1" vs "ip:203.0.113.7").
func KeyByAccountOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := AccountID(c); id != "" {
			return "acct:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// visitor holds a single rate limiter and the last time it was seen.
type visitor struct {
	limiter  *rate.Limiter
	perMin   int // budget the limiter was built for; 0 for the default
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter.
//
// Buckets are created on demand and stored in a map guarded by a mutex. Idle
// buckets are evicted after a TTL via opportunistic cleanup during lookups.
//
// This type is safe for concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
	now      func() time.Time
}

// NewRateLimiter constructs a RateLimiter with the given default
// tokens-per-second and burst size, keyed by keyFn.
//
//   - rps:   tokens replenished per second (0 allows no requests; use >0).
//   - burst: maximum burst size; values <= 0 are coerced to 1.
//   - keyFn: function that maps a request to a bucket identity (Handler only).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

// getVisitor returns (and updates) the limiter for key, creating it if absent
// or rebuilding it when the per-minute budget changed. perMin 0 selects the
// limiter's default rps/burst.
//
// GC runs before touching the requested visitor so an old bucket can be
// evicted even when it's the one being fetched.
func (rl *RateLimiter) getVisitor(key string, perMin int) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok && v.perMin == perMin {
		v.lastSeen = now
		return v.limiter
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	if perMin > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	}
	rl.visitors[key] = &visitor{limiter: lim, perMin: perMin, lastSeen: now}
	return lim
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed       bool
	Remaining     int
	RetryAfterSec int
}

// Take consumes one token from key's bucket sized for perMinute requests per
// minute (refill perMinute/60 per second, burst perMinute). Values <= 0 use
// the limiter defaults.
func (rl *RateLimiter) Take(key string, perMinute int) Decision {
	if perMinute < 0 {
		perMinute = 0
	}
	lim := rl.getVisitor(key, perMinute)
	now := rl.now()

	if lim.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: remaining(lim, now)}
	}

	r := lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	retry := int(math.Ceil(wait.Seconds()))
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfterSec: retry}
}

func remaining(lim *rate.Limiter, now time.Time) int {
	n := int(math.Floor(lim.TokensAt(now)))
	if n < 0 {
		return 0
	}
	return n
}

// Handler returns a Gin middleware that enforces the default per-key limits.
//
// The middleware emits:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: <seconds>
//	{
//	  "request_id":    "<uuid>",
//	  "error":         "rate_limited",
//	  "retryAfterSec": <seconds>
//	}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := rl.Take(rl.keyFn(c), 0)
		if d.Allowed {
			c.Next()
			return
		}

		c.Header("Retry-After", strconv.Itoa(d.RetryAfterSec))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id":    c.Writer.Header().Get("X-Request-ID"),
			"error":         "rate_limited",
			"retryAfterSec": d.RetryAfterSec,
		})
	}
}
