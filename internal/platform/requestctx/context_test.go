package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatalf("expected stored logger")
	}
}

func TestOwnerIsVisibleToOuterContext(t *testing.T) {
	outer := WithRequestState(context.Background())
	inner := context.WithValue(outer, contextKey("other"), 1)
	SetOwner(inner, "session:abc")
	if got := Owner(outer); got != "session:abc" {
		t.Fatalf("expected owner to propagate outward, got %q", got)
	}

	plain := context.Background()
	SetOwner(plain, "user:x")
	if Owner(plain) != "" {
		t.Fatalf("owner must not be recorded without request state")
	}
}

func TestTraceID(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc"})
	if TraceID(ctx) != "abc" || TraceID(context.Background()) != "" {
		t.Fatalf("unexpected trace ids")
	}
}
