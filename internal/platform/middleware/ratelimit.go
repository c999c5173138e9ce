package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// take refills by elapsed time and consumes one token. When empty it returns
// the whole seconds until the next token.
func (b *tokenBucket) take(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

// Limiter keeps one token bucket per key. The HTTP API keys by actor or IP;
// the real-time gateway keys by connection.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	config  RateLimitConfig
	now     func() time.Time
}

func NewLimiter(cfg RateLimitConfig) *Limiter {
	return &Limiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
		now:     time.Now,
	}
}

func (l *Limiter) bucket(key string) *tokenBucket {
	l.mu.RLock()
	bucket, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := l.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(l.config.RequestsPerSecond, l.config.BurstSize)
	l.buckets[key] = bucket
	return bucket
}

// Allow consumes a token for key.
func (l *Limiter) Allow(key string) (ok bool, retryAfter int) {
	return l.bucket(key).take(l.now())
}

// Forget drops the bucket for key, e.g. when a connection closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// RateLimit limits each caller. Authenticated requests are keyed by actor so
// that clinic NATs do not share one budget.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	limiter := NewLimiter(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if id, ok := c.Get("actor_id").(string); ok && id != "" {
				key = "actor:" + id
			}

			c.Response().Header().Set("X-RateLimit-Limit", limit)
			if ok, retryAfter := limiter.Allow(key); !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
