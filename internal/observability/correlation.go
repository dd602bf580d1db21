package observability

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CorrelationIDHeader is the HTTP header name for correlation IDs.
const CorrelationIDHeader = "X-Request-ID"

const maxCorrelationIDLen = 128

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// GenerateCorrelationID generates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID adds a correlation ID to the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationMiddleware attaches a correlation ID to incoming requests.
// An inbound X-Request-ID is honored if it passes sanitization.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if sanitized, ok := sanitizeCorrelationID(id); ok {
			id = sanitized
		} else {
			id = GenerateCorrelationID()
		}

		w.Header().Set(CorrelationIDHeader, id)

		ctx := ContextWithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOrCreateCorrelationID gets an existing correlation ID or creates one.
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateCorrelationID()
	return ContextWithCorrelationID(ctx, id), id
}

func sanitizeCorrelationID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxCorrelationIDLen {
		return "", false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return value, true
}
