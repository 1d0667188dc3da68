package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
)

// GenerateRequestID returns a new request id.
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextWithRequestID attaches a request id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithUserID attaches the authenticated user id to ctx for log enrichment.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// Ctx returns the global logger enriched with request_id and user_id from ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger().With()
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.Str("request_id", id)
	}
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		l = l.Str("user_id", id)
	}
	logger := l.Logger()
	return &logger
}
