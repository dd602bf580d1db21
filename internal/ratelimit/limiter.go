package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsmux/guardrail/internal/config"
	"github.com/opsmux/guardrail/internal/metrics"
	gerrors "github.com/opsmux/guardrail/pkg/errors"
)

// slidingWindowScript performs the whole check atomically: evict
// expired entries, read cardinality, deny-and-count-violation or
// admit-and-record. No read-modify-write races between clients.
//
// KEYS[1] = window zset, KEYS[2] = violation counter
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
//
// Returns {allowed, count, violations, reset_at_ms}.
const slidingWindowScript = `
local window_key = KEYS[1]
local violation_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', window_key, '-inf', now - window)
local count = redis.call('ZCARD', window_key)

if count >= limit then
    local violations = redis.call('INCR', violation_key)
    redis.call('EXPIRE', violation_key, math.floor(window / 1000) * 4)
    local oldest = redis.call('ZRANGE', window_key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if oldest[2] then
        reset = tonumber(oldest[2]) + window
    end
    return {0, count, violations, reset}
end

redis.call('ZADD', window_key, now, member)
-- The +60s buffer keeps expiry from racing an in-flight window.
redis.call('EXPIRE', window_key, math.floor(window / 1000) + 60)
return {1, count + 1, 0, now + window}
`

// errNoRedisClient marks a limiter constructed without a Redis client.
var errNoRedisClient = errors.New("no redis client configured")

// Limiter checks named sliding-window limits against Redis. When Redis
// is unreachable it degrades per the configured fail-open policy.
type Limiter struct {
	client   redis.UniversalClient
	script   *redis.Script
	prefix   string
	buckets  map[LimitType]config.RateLimitBucket
	failOpen bool
	fallback *FallbackLimiter
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// now is swappable for tests.
	now func() time.Time
}

// Config contains Limiter construction parameters.
type Config struct {
	Client   redis.UniversalClient
	Prefix   string
	Settings config.RateLimitSettings
	FailOpen bool
	Logger   *slog.Logger
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "guardrail"
	}

	buckets := map[LimitType]config.RateLimitBucket{
		LimitGlobal:           cfg.Settings.Global,
		LimitPerSession:       cfg.Settings.PerSession,
		LimitPerSessionHourly: cfg.Settings.PerSessionHourly,
		LimitPerEndpoint:      cfg.Settings.PerEndpoint,
		LimitTitleGeneration:  cfg.Settings.TitleGeneration,
	}

	return &Limiter{
		client:   cfg.Client,
		script:   redis.NewScript(slidingWindowScript),
		prefix:   cfg.Prefix,
		buckets:  buckets,
		failOpen: cfg.FailOpen,
		fallback: NewFallbackLimiter(buckets, cfg.Logger),
		logger:   cfg.Logger,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Bucket returns the configured bucket for a limit type.
func (l *Limiter) Bucket(limitType LimitType) (config.RateLimitBucket, bool) {
	b, ok := l.buckets[limitType]
	return b, ok
}

// Check verifies the limit for (key, limitType) and advances the
// counter iff the request is allowed. Returns a typed denial error on
// rejection; the Result is populated either way.
func (l *Limiter) Check(ctx context.Context, key string, limitType LimitType) (Result, error) {
	bucket, ok := l.buckets[limitType]
	if !ok || !bucket.Enabled {
		return Result{Allowed: true}, nil
	}

	// No Redis client at all (e.g. it was unreachable at startup) is
	// the same condition as Redis dropping mid-flight: serve from the
	// local fallback instead of panicking inside the script runner.
	if l.client == nil {
		return l.degraded(ctx, key, limitType, bucket, errNoRedisClient)
	}

	now := l.now()
	windowKey := fmt.Sprintf("%s:ratelimit:%s:%s", l.prefix, limitType, key)
	violationKey := windowKey + ":violations"
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.Itoa(l.jitterInt())

	raw, err := l.script.Run(ctx, l.client,
		[]string{windowKey, violationKey},
		now.UnixMilli(),
		bucket.Window.Milliseconds(),
		bucket.MaxRequests,
		member,
	).Result()
	if err != nil {
		return l.degraded(ctx, key, limitType, bucket, err)
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 4 {
		return l.degraded(ctx, key, limitType, bucket, fmt.Errorf("unexpected script result: %v", raw))
	}

	allowed := toInt64(vals[0]) == 1
	result := Result{
		Allowed:    allowed,
		Current:    toInt64(vals[1]),
		Limit:      int64(bucket.MaxRequests),
		Violations: toInt64(vals[2]),
		ResetAt:    time.UnixMilli(toInt64(vals[3])),
	}
	if result.Remaining = result.Limit - result.Current; result.Remaining < 0 {
		result.Remaining = 0
	}

	if allowed {
		return result, nil
	}

	result.RetryAfter = l.retryAfter(now, result.ResetAt, result.Violations)
	return result, gerrors.NewRateLimitError(string(limitType),
		fmt.Sprintf("rate limit exceeded: %d/%d in %s", result.Current, result.Limit, bucket.Window),
		result.RetryAfter)
}

// retryAfter scales the time until window reset by the progressive
// penalty factor, adds up to 10% jitter against synchronized retries,
// and caps the result.
func (l *Limiter) retryAfter(now, resetAt time.Time, violations int64) time.Duration {
	base := resetAt.Sub(now)
	if base < time.Second {
		base = time.Second
	}

	l.mu.Lock()
	jitter := 1 + l.rng.Float64()*0.1
	l.mu.Unlock()

	scaled := time.Duration(float64(base) * penaltyMultiplier(violations) * jitter)
	if scaled > maxRetryAfter {
		scaled = maxRetryAfter
	}
	return scaled
}

// degraded handles a Redis failure per the fail-open policy.
func (l *Limiter) degraded(ctx context.Context, key string, limitType LimitType, bucket config.RateLimitBucket, cause error) (Result, error) {
	if !l.failOpen {
		metrics.RateLimitBackendErrors.WithLabelValues("deny").Inc()
		l.logger.Warn("rate limit backend unavailable, failing closed",
			"limit_type", limitType, "error", cause)
		return Result{}, gerrors.NewDependencyError("redis", "rate limiting temporarily unavailable")
	}

	metrics.RateLimitBackendErrors.WithLabelValues("fallback").Inc()
	l.logger.Warn("rate limit backend unavailable, using in-process fallback",
		"limit_type", limitType, "error", cause)

	result := l.fallback.Check(key, limitType, bucket)
	if result.Allowed {
		return result, nil
	}
	return result, gerrors.NewRateLimitError(string(limitType),
		"rate limit exceeded", result.RetryAfter)
}

func (l *Limiter) jitterInt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(1 << 20)
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	default:
		return 0
	}
}
