package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"relay/internal/logging"
)

// RateLimitConfig enables per-client request throttling when
// RequestsPerMinute and Burst are both positive.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	EntryTTL          time.Duration
	CleanupInterval   time.Duration
}

// clientBucket pairs a token bucket with the moment the client was last
// seen, so idle buckets can be reclaimed.
type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimiters keeps one token bucket per client key and prunes idle
// buckets opportunistically on the request path, against a next-sweep
// deadline rather than a background goroutine.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket

	limit rate.Limit
	burst int

	ttl      time.Duration
	interval time.Duration
	sweepAt  time.Time
}

func newClientLimiters(cfg RateLimitConfig) *clientLimiters {
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &clientLimiters{
		buckets:  make(map[string]*clientBucket),
		limit:    rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:    cfg.Burst,
		ttl:      ttl,
		interval: interval,
		sweepAt:  time.Now().Add(interval),
	}
}

func (l *clientLimiters) allow(key string) bool {
	if l == nil || key == "" {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		l.sweepLocked(now)
	}

	bucket := l.buckets[key]
	if bucket == nil {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.seen = now

	return bucket.limiter.Allow()
}

func (l *clientLimiters) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for key, bucket := range l.buckets {
		if bucket.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.sweepAt = now.Add(l.interval)
}

// RateLimitMiddleware rejects clients over their request budget with a 429
// and a retry hint.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerMinute <= 0 || cfg.Burst <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newClientLimiters(cfg)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

// RequestLogMiddleware logs incoming requests through the relay logger
// instead of gin's default writer.
func RequestLogMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}
