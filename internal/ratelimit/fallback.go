package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsmux/guardrail/internal/config"
)

// FallbackLimiter is the in-process degraded-mode limiter used when
// Redis is unreachable and fail-open is configured. State is
// process-local and lost on restart; that is acceptable under the
// fail-open contract.
type FallbackLimiter struct {
	mu         sync.RWMutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	buckets    map[LimitType]config.RateLimitBucket
	logger     *slog.Logger

	cleanupTTL  time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewFallbackLimiter creates the fallback limiter with a scavenger
// that drops limiters idle past the cleanup TTL.
func NewFallbackLimiter(buckets map[LimitType]config.RateLimitBucket, logger *slog.Logger) *FallbackLimiter {
	f := &FallbackLimiter{
		limiters:    make(map[string]*rate.Limiter),
		lastAccess:  make(map[string]time.Time),
		buckets:     buckets,
		logger:      logger,
		cleanupTTL:  10 * time.Minute,
		stopCleanup: make(chan struct{}),
	}

	go f.cleanupLoop()
	return f
}

// Check applies the bucket's limit locally. The token bucket refills
// at limit/window, approximating the sliding window for a single
// process.
func (f *FallbackLimiter) Check(key string, limitType LimitType, bucket config.RateLimitBucket) Result {
	limiter := f.getLimiter(string(limitType)+":"+key, bucket)

	if limiter.Allow() {
		return Result{
			Allowed:  true,
			Limit:    int64(bucket.MaxRequests),
			Degraded: true,
		}
	}

	return Result{
		Allowed:    false,
		Limit:      int64(bucket.MaxRequests),
		RetryAfter: bucket.Window,
		ResetAt:    time.Now().Add(bucket.Window),
		Degraded:   true,
	}
}

func (f *FallbackLimiter) getLimiter(key string, bucket config.RateLimitBucket) *rate.Limiter {
	f.mu.RLock()
	limiter, exists := f.limiters[key]
	f.mu.RUnlock()

	if exists {
		f.mu.Lock()
		f.lastAccess[key] = time.Now()
		f.mu.Unlock()
		return limiter
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = f.limiters[key]; exists {
		f.lastAccess[key] = time.Now()
		return limiter
	}

	perSecond := rate.Limit(float64(bucket.MaxRequests) / bucket.Window.Seconds())
	limiter = rate.NewLimiter(perSecond, bucket.MaxRequests)
	f.limiters[key] = limiter
	f.lastAccess[key] = time.Now()

	return limiter
}

func (f *FallbackLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.cleanup()
		case <-f.stopCleanup:
			return
		}
	}
}

func (f *FallbackLimiter) cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for key, last := range f.lastAccess {
		if now.Sub(last) > f.cleanupTTL {
			delete(f.limiters, key)
			delete(f.lastAccess, key)
		}
	}
}

// Close stops the scavenger.
func (f *FallbackLimiter) Close() {
	f.stopOnce.Do(func() { close(f.stopCleanup) })
}

// ActiveKeys returns the number of tracked keys; used by tests and
// health reporting.
func (f *FallbackLimiter) ActiveKeys() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.limiters)
}
