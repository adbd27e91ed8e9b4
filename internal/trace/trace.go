// Package trace provides explicit trace-id propagation through context.
// There is no ambient global state: callers thread the id through
// context.Context, and absence is a valid state.
package trace

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const traceIDKey contextKey = iota

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// FromContext extracts the trace id from the context, or "" when absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// Ensure returns the trace id from the context, synthesizing a fresh unique
// one when the context carries none. Every execution unit gets a non-empty id
// so even failed sessions remain traceable.
func Ensure(ctx context.Context) string {
	if id := FromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
