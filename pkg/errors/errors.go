// Package errors defines unified error types for protection decisions.
// Every component failure is mapped to one of these standard error types
// before it reaches the HTTP boundary.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProtectionError represents a standardized denial or failure from the
// protection core. It contains everything needed for error handling,
// logging, and the client response.
type ProtectionError struct {
	StatusCode    int           `json:"status_code"`
	Message       string        `json:"message"`
	Type          string        `json:"type"`
	Component     string        `json:"component"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	RetryAfter    time.Duration `json:"-"`
	Retryable     bool          `json:"-"`
}

// Error implements the error interface.
func (e *ProtectionError) Error() string {
	return fmt.Sprintf("[%s] %s (component=%s, code=%d)",
		e.Type, e.Message, e.Component, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *ProtectionError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeRateLimit         = "rate_limit_exceeded"
	TypeDuplicate         = "duplicate_request"
	TypeTimeout           = "operation_timeout"
	TypeCircuitOpen       = "circuit_breaker_open"
	TypeCircuitThrottled  = "circuit_breaker_throttled"
	TypeReputationBlocked = "reputation_blocked"
	TypeAnomalyThrottled  = "anomaly_throttled"
	TypeRiskDenied        = "risk_denied"
	TypeDependencyFailure = "dependency_unavailable"
	TypeInternalError     = "internal_error"
)

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(limitType, message string, retryAfter time.Duration) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Component:  "rate_limiter:" + limitType,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewDuplicateError creates a duplicate request error (409).
func NewDuplicateError(message string, ttlRemaining time.Duration) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusConflict,
		Message:    message,
		Type:       TypeDuplicate,
		Component:  "deduplicator",
		RetryAfter: ttlRemaining,
		Retryable:  true,
	}
}

// NewTimeoutError creates an operation timeout error (504).
func NewTimeoutError(operation string, duration time.Duration) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusGatewayTimeout,
		Message:    fmt.Sprintf("operation %q timed out after %s", operation, duration),
		Type:       TypeTimeout,
		Component:  "timeout_manager",
		Retryable:  true,
	}
}

// NewCircuitOpenError creates a circuit breaker open error (503).
func NewCircuitOpenError(endpoint, reason string) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    reason,
		Type:       TypeCircuitOpen,
		Component:  "circuit_breaker:" + endpoint,
		Retryable:  true,
	}
}

// NewCircuitThrottledError creates a predictive throttle error (429).
func NewCircuitThrottledError(endpoint, reason string) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusTooManyRequests,
		Message:    reason,
		Type:       TypeCircuitThrottled,
		Component:  "circuit_breaker:" + endpoint,
		RetryAfter: 5 * time.Second,
		Retryable:  true,
	}
}

// NewReputationBlockedError creates a reputation block error (403).
func NewReputationBlockedError(message string) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypeReputationBlocked,
		Component:  "reputation",
		Retryable:  false,
	}
}

// NewAnomalyThrottledError creates an anomaly throttling error (429).
func NewAnomalyThrottledError(message string, retryAfter time.Duration) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeAnomalyThrottled,
		Component:  "anomaly_detector",
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewRiskDeniedError creates a combined-risk denial error (403).
func NewRiskDeniedError(message string) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypeRiskDenied,
		Component:  "coordinator",
		Retryable:  false,
	}
}

// NewDependencyError creates a dependency unavailable error (503).
// Surfaced only under the fail-closed policy.
func NewDependencyError(dependency, message string) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeDependencyFailure,
		Component:  dependency,
		Retryable:  true,
	}
}

// NewInternalError creates an internal error (500). The coordinator
// never surfaces this directly; it admits the request and records it.
func NewInternalError(component, message string) *ProtectionError {
	return &ProtectionError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Component:  component,
		Retryable:  false,
	}
}
