package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/migration/internal/platform/auth"
)

// Budget is a token bucket: PerSecond refill rate, Burst capacity.
type Budget struct {
	PerSecond float64
	Burst     int
}

// RateLimitConfig gives reads and mutations separate budgets. Mutations start
// phases and are far more expensive than reads.
type RateLimitConfig struct {
	Read  Budget
	Write Budget
	// IdleTTL drops buckets that have not been used for this long.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Read:    Budget{PerSecond: 50, Burst: 100},
		Write:   Budget{PerSecond: 2, Burst: 10},
		IdleTTL: 10 * time.Minute,
	}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

type limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig, now func() time.Time) *limiter {
	return &limiter{cfg: cfg, now: now, buckets: make(map[string]*bucket), lastSweep: now()}
}

// take spends one token from key's bucket. When the bucket is empty it
// returns the whole seconds until a token is available.
func (l *limiter) take(key string, b Budget) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	bk, ok := l.buckets[key]
	if !ok {
		bk = &bucket{tokens: float64(b.Burst), lastSeen: now}
		l.buckets[key] = bk
	}
	bk.tokens = math.Min(float64(b.Burst), bk.tokens+now.Sub(bk.lastSeen).Seconds()*b.PerSecond)
	bk.lastSeen = now

	if bk.tokens >= 1 {
		bk.tokens--
		return true, 0
	}
	if b.PerSecond <= 0 {
		return false, 1
	}
	return false, int(math.Ceil((1 - bk.tokens) / b.PerSecond))
}

func (l *limiter) sweep(now time.Time) {
	if l.cfg.IdleTTL <= 0 || now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	for k, bk := range l.buckets {
		if now.Sub(bk.lastSeen) >= l.cfg.IdleTTL {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit throttles requests per clinic and client IP. Unauthenticated
// requests share a bucket per IP. It must run after the auth middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newLimiter(cfg, time.Now))
}

func rateLimit(l *limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			class, budget := "r", l.cfg.Read
			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				class, budget = "w", l.cfg.Write
			}
			clinic := auth.ClinicIDFromContext(c.Request().Context())
			key := fmt.Sprintf("%s|%s|%s", clinic, class, c.RealIP())

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(budget.Burst))
			ok, wait := l.take(key, budget)
			if !ok {
				h.Set("Retry-After", strconv.Itoa(wait))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
