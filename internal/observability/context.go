package observability

import (
	"context"

	"github.com/rs/zerolog"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	toolKey      contextKey = "tool"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithTool adds the name of the tool being served to the context.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, toolKey, tool)
}

// ToolFromContext retrieves the tool name from context.
// Returns empty string if not present.
func ToolFromContext(ctx context.Context) string {
	if v := ctx.Value(toolKey); v != nil {
		if name, ok := v.(string); ok {
			return name
		}
	}
	return ""
}

// LoggerFromContext returns logger enriched with the request ID and tool
// stored in ctx. Absent values are omitted.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	c := logger.With()
	if id := RequestIDFromContext(ctx); id != "" {
		c = c.Str("request_id", id)
	}
	if tool := ToolFromContext(ctx); tool != "" {
		c = c.Str("tool", tool)
	}
	return c.Logger()
}
