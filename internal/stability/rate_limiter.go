package stability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/logging"
	"github.com/0x0shephard/t4-bot/internal/middleware"
)

// RateLimiterType separates limiter buckets that share a key
type RateLimiterType string

const (
	RateLimiterTypeRead  RateLimiterType = "read"  // view and table reads
	RateLimiterTypeWrite RateLimiterType = "write" // ingestion and deletes
)

// RateLimiterConfig configures one limiter type
type RateLimiterConfig struct {
	Type           RateLimiterType
	RequestsPerSec float64
	Burst          int
	Window         time.Duration
}

// RateLimiter keeps one token bucket per type and key
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*limiterEntry
	configs  map[RateLimiterType]*RateLimiterConfig
	stats    map[string]*RateLimitStats
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitStats counts decisions within the current window
type RateLimitStats struct {
	Allowed    int64
	Limited    int64
	LastReset  time.Time
	WindowSize time.Duration
}

// NewRateLimiter creates a limiter allowing requestsPerMinute with burst for reads.
// Writes get a quarter of the read rate.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		configs:  make(map[RateLimiterType]*RateLimiterConfig),
		stats:    make(map[string]*RateLimitStats),
		now:      time.Now,
	}

	perSec := float64(requestsPerMinute) / 60
	rl.configs[RateLimiterTypeRead] = &RateLimiterConfig{
		Type:           RateLimiterTypeRead,
		RequestsPerSec: perSec,
		Burst:          burst,
		Window:         time.Minute,
	}

	writeBurst := burst / 4
	if writeBurst < 1 {
		writeBurst = 1
	}
	rl.configs[RateLimiterTypeWrite] = &RateLimiterConfig{
		Type:           RateLimiterTypeWrite,
		RequestsPerSec: perSec / 4,
		Burst:          writeBurst,
		Window:         time.Minute,
	}

	return rl
}

// SetConfig replaces the configuration of a limiter type. Existing buckets keep their old rate.
func (rl *RateLimiter) SetConfig(limiterType RateLimiterType, config *RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.configs[limiterType] = config
}

func limiterKey(key string, limiterType RateLimiterType) string {
	return fmt.Sprintf("%s:%s", limiterType, key)
}

// GetLimiter returns the bucket for key, creating it on first use
func (rl *RateLimiter) GetLimiter(key string, limiterType RateLimiterType) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	k := limiterKey(key, limiterType)
	now := rl.now()

	if entry, exists := rl.limiters[k]; exists {
		entry.lastSeen = now
		return entry.limiter
	}

	config := rl.configs[limiterType]
	if config == nil {
		config = rl.configs[RateLimiterTypeRead]
	}

	limiter := rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst)
	rl.limiters[k] = &limiterEntry{limiter: limiter, lastSeen: now}
	rl.stats[k] = &RateLimitStats{
		LastReset:  now,
		WindowSize: config.Window,
	}

	return limiter
}

// Allow reports whether a request for key may proceed now
func (rl *RateLimiter) Allow(key string, limiterType RateLimiterType) bool {
	limiter := rl.GetLimiter(key, limiterType)
	allowed := limiter.AllowN(rl.now(), 1)

	rl.updateStats(key, limiterType, allowed)
	return allowed
}

// Wait blocks until key may proceed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context, key string, limiterType RateLimiterType) error {
	limiter := rl.GetLimiter(key, limiterType)

	if err := limiter.Wait(ctx); err != nil {
		rl.updateStats(key, limiterType, false)
		return err
	}

	rl.updateStats(key, limiterType, true)
	return nil
}

func (rl *RateLimiter) updateStats(key string, limiterType RateLimiterType, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := rl.stats[limiterKey(key, limiterType)]
	if stats == nil {
		return
	}

	now := rl.now()
	if now.Sub(stats.LastReset) >= stats.WindowSize {
		stats.Allowed = 0
		stats.Limited = 0
		stats.LastReset = now
	}

	if allowed {
		stats.Allowed++
	} else {
		stats.Limited++
	}
}

// GetStats returns a copy of the statistics for key
func (rl *RateLimiter) GetStats(key string, limiterType RateLimiterType) *RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := rl.stats[limiterKey(key, limiterType)]
	if stats == nil {
		return nil
	}
	cp := *stats
	return &cp
}

// Cleanup drops buckets idle for longer than idle and returns how many were removed
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for k, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, k)
			delete(rl.stats, k)
			removed++
		}
	}
	return removed
}

// StartCleanup evicts idle buckets every interval until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rl.Cleanup(interval); n > 0 {
					logging.WithField("removed", n).Debug("Evicted idle rate limiters")
				}
			}
		}
	}()
}

// Middleware limits requests per client IP. Mutating methods draw from the write bucket.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterType := RateLimiterTypeRead
		switch c.Request.Method {
		case "POST", "PUT", "PATCH", "DELETE":
			limiterType = RateLimiterTypeWrite
		}

		if !rl.Allow(c.ClientIP(), limiterType) {
			c.Header("Retry-After", "1")
			middleware.Abort(c, errors.NewAppError(errors.ErrCodeRateLimit, "Too many requests", nil).
				WithContext("bucket", string(limiterType)))
			return
		}
		c.Next()
	}
}
