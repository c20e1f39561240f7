// Package ratelimit throttles API callers with a per-caller token bucket.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrownow/internal/auth"
	"github.com/mbd888/escrownow/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per caller. Zero disables limiting.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used when RATE_LIMIT_RPM is unset.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// ForRPM derives a config from a requests-per-minute figure, with a burst of
// a sixth of the rate.
func ForRPM(rpm int) Config {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = rpm
	cfg.BurstSize = max(rpm/6, 1)
	return cfg
}

// Limiter tracks token buckets by caller key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter. Call Run to evict idle buckets.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Run evicts buckets idle for two minutes until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * time.Minute)
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Allow takes a token for key, returning false when the bucket is empty.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.RequestsPerMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = min(b.tokens+now.Sub(b.lastCheck).Seconds()*perSecond, float64(l.cfg.BurstSize))
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware limits authenticated callers by user id and everyone else by
// client IP. It must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if l.cfg.RequestsPerMinute > 0 && l.cfg.RequestsPerMinute < 60 {
		retryAfter = strconv.Itoa(60 / l.cfg.RequestsPerMinute)
	}

	return func(c *gin.Context) {
		key, kind := "ip:"+c.ClientIP(), "anonymous"
		if id := c.GetString(auth.ContextKeyUserID); id != "" {
			key, kind = "user:"+id, "user"
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
