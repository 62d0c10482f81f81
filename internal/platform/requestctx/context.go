package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/hanko-field/storefront/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/hanko-field/storefront/internal/platform/requestctx/trace"
	stateContextKey  contextKey = "github.com/hanko-field/storefront/internal/platform/requestctx/state"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// state is shared by pointer so inner middleware can report facts to outer middleware.
type state struct {
	mu    sync.Mutex
	owner string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithRequestState prepares a mutable per-request slot read back by Owner.
func WithRequestState(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, stateContextKey, &state{})
}

// SetOwner records the resolved owner key. It is a no-op without WithRequestState.
func SetOwner(ctx context.Context, ownerKey string) {
	if ctx == nil {
		return
	}
	st, ok := ctx.Value(stateContextKey).(*state)
	if !ok {
		return
	}
	st.mu.Lock()
	st.owner = ownerKey
	st.mu.Unlock()
}

// Owner returns the owner key recorded by SetOwner.
func Owner(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	st, ok := ctx.Value(stateContextKey).(*state)
	if !ok {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.owner
}
