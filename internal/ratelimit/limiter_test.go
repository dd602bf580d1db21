package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmux/guardrail/internal/config"
	gerrors "github.com/opsmux/guardrail/pkg/errors"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	settings := config.DefaultSettings().RateLimits
	limiter := NewLimiter(Config{
		Client:   client,
		Prefix:   "test",
		Settings: settings,
		FailOpen: true,
		Logger:   slog.Default(),
	})
	return limiter, mr
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	// per_session default is 10:60.
	for i := 1; i <= 10; i++ {
		result, err := limiter.Check(ctx, "S1", LimitPerSession)
		require.NoError(t, err, "request %d should be allowed", i)
		assert.True(t, result.Allowed)
		assert.Equal(t, int64(i), result.Current)
	}

	result, err := limiter.Check(ctx, "S1", LimitPerSession)
	require.Error(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(1), result.Violations)

	var perr *gerrors.ProtectionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, gerrors.TypeRateLimit, perr.Type)

	// First violation: retry-after is roughly the window remainder
	// plus jitter, never above 1.1x the window.
	assert.Greater(t, result.RetryAfter, 45*time.Second)
	assert.LessOrEqual(t, result.RetryAfter, 67*time.Second)
}

func TestCheck_ProgressivePenalty(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Check(ctx, "S1", LimitPerSession)
		require.NoError(t, err)
	}

	first, err := limiter.Check(ctx, "S1", LimitPerSession)
	require.Error(t, err)
	second, err := limiter.Check(ctx, "S1", LimitPerSession)
	require.Error(t, err)

	assert.Equal(t, int64(1), first.Violations)
	assert.Equal(t, int64(2), second.Violations)

	// Second violation doubles the penalty (within jitter tolerance).
	ratio := float64(second.RetryAfter) / float64(first.RetryAfter)
	assert.Greater(t, ratio, 1.7)
	assert.Less(t, ratio, 2.5)
}

func TestCheck_PenaltyCapped(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Check(ctx, "S1", LimitPerSession)
		require.NoError(t, err)
	}

	var last Result
	for i := 0; i < 8; i++ {
		last, _ = limiter.Check(ctx, "S1", LimitPerSession)
	}

	assert.LessOrEqual(t, last.RetryAfter, maxRetryAfter)
	assert.Equal(t, int64(8), last.Violations)
}

func TestCheck_WindowSlides(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		_, err := limiter.Check(ctx, "S1", LimitPerSession)
		require.NoError(t, err)
	}
	_, err := limiter.Check(ctx, "S1", LimitPerSession)
	require.Error(t, err)

	// After the window passes, entries evict and requests flow again.
	limiter.now = func() time.Time { return base.Add(61 * time.Second) }

	result, err := limiter.Check(ctx, "S1", LimitPerSession)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(1), result.Current)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Check(ctx, "S1", LimitPerSession)
		require.NoError(t, err)
	}
	_, err := limiter.Check(ctx, "S1", LimitPerSession)
	require.Error(t, err)

	result, err := limiter.Check(ctx, "S2", LimitPerSession)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestCheck_DisabledBucketAlwaysAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	settings := config.DefaultSettings().RateLimits
	settings.PerSession.Enabled = false

	limiter := NewLimiter(Config{Client: client, Settings: settings, FailOpen: true})

	for i := 0; i < 50; i++ {
		result, err := limiter.Check(context.Background(), "S1", LimitPerSession)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestCheck_ConcurrentClientsNeverExceedLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup

	// 50 goroutines race for 10 slots; the Lua script serializes them.
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _ := limiter.Check(ctx, "S1", LimitPerSession)
			if result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestCheck_FailOpenFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := NewLimiter(Config{
		Client:   client,
		Settings: config.DefaultSettings().RateLimits,
		FailOpen: true,
	})

	mr.Close()

	result, err := limiter.Check(context.Background(), "S1", LimitPerSession)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.True(t, result.Degraded)
}

func TestCheck_FailClosedDenies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := NewLimiter(Config{
		Client:   client,
		Settings: config.DefaultSettings().RateLimits,
		FailOpen: false,
	})

	mr.Close()

	_, err := limiter.Check(context.Background(), "S1", LimitPerSession)
	require.Error(t, err)

	var perr *gerrors.ProtectionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, gerrors.TypeDependencyFailure, perr.Type)
	assert.Equal(t, 503, perr.HTTPStatusCode())
}

func TestCheck_NoClientUsesFallback(t *testing.T) {
	// A limiter can be built without a Redis connection at all (the
	// server boots fail-open with Redis down). Checks must degrade to
	// the local limiter, not panic inside the script runner.
	limiter := NewLimiter(Config{
		Settings: config.DefaultSettings().RateLimits,
		FailOpen: true,
	})

	assert.NotPanics(t, func() {
		result, err := limiter.Check(context.Background(), "S1", LimitPerSession)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.True(t, result.Degraded)
	})
}

func TestCheck_NoClientFailClosedDenies(t *testing.T) {
	limiter := NewLimiter(Config{
		Settings: config.DefaultSettings().RateLimits,
		FailOpen: false,
	})

	_, err := limiter.Check(context.Background(), "S1", LimitPerSession)
	require.Error(t, err)

	var perr *gerrors.ProtectionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, gerrors.TypeDependencyFailure, perr.Type)
}

func TestFallbackLimiter_EnforcesBucket(t *testing.T) {
	bucket := config.RateLimitBucket{MaxRequests: 3, Window: time.Minute, Enabled: true}
	f := NewFallbackLimiter(nil, slog.Default())
	defer f.Close()

	var allowed int
	for i := 0; i < 5; i++ {
		if f.Check("S1", LimitPerSession, bucket).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	// Different key has its own budget.
	assert.True(t, f.Check("S2", LimitPerSession, bucket).Allowed)
}

func TestPenaltyMultiplier(t *testing.T) {
	assert.Equal(t, float64(1), penaltyMultiplier(0))
	assert.Equal(t, float64(1), penaltyMultiplier(1))
	assert.Equal(t, float64(2), penaltyMultiplier(2))
	assert.Equal(t, float64(4), penaltyMultiplier(3))
	assert.Equal(t, float64(8), penaltyMultiplier(4))
	assert.Equal(t, float64(16), penaltyMultiplier(5))
	assert.Equal(t, float64(16), penaltyMultiplier(50))
}
