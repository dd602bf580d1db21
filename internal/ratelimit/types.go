// Package ratelimit implements sliding-window rate limiting backed by
// Redis, with progressive penalties for repeat offenders and an
// in-process fallback when Redis is unavailable.
package ratelimit

import (
	"time"
)

// LimitType identifies one of the named limit buckets.
type LimitType string

const (
	LimitGlobal           LimitType = "global"
	LimitPerSession       LimitType = "per_session"
	LimitPerSessionHourly LimitType = "per_session_hourly"
	LimitPerEndpoint      LimitType = "per_endpoint"
	LimitTitleGeneration  LimitType = "title_generation"
)

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed    bool
	Current    int64
	Limit      int64
	Remaining  int64
	Violations int64
	RetryAfter time.Duration // zero when allowed
	ResetAt    time.Time
	Degraded   bool // served by the in-process fallback
}

// penaltyMultiplier maps the violation count to the progressive
// penalty factor: 1, 2, 4, 8, then 16 for all further violations.
func penaltyMultiplier(violations int64) float64 {
	switch {
	case violations <= 1:
		return 1
	case violations == 2:
		return 2
	case violations == 3:
		return 4
	case violations == 4:
		return 8
	default:
		return 16
	}
}

// maxRetryAfter caps the penalty-scaled retry hint.
const maxRetryAfter = 300 * time.Second
