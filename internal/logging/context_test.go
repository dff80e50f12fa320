package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func fieldMap(fields []zap.Field) map[string]zap.Field {
	m := make(map[string]zap.Field, len(fields))
	for _, f := range fields {
		m[f.Key] = f
	}
	return m
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Trace(t *testing.T) {
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithSyncer(tracetest.NewInMemoryExporter()),
	)
	ctx, span := provider.Tracer("test").Start(context.Background(), "run")
	defer span.End()

	fields := fieldMap(ContextFields(ctx))
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"].String)
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"].String)
	assert.Equal(t, int64(1), fields["trace_sampled"].Integer)
}

func TestContextFields_Correlation(t *testing.T) {
	ctx := WithRunID(context.Background(), "run_01")
	ctx = WithAccount(ctx, "me@example.org")
	ctx = WithRequestID(ctx, "req-9")

	fields := fieldMap(ContextFields(ctx))
	assert.Len(t, fields, 3)
	assert.Equal(t, "run_01", fields["run.id"].String)
	assert.Equal(t, "me@example.org", fields["account"].String)
	assert.Equal(t, "req-9", fields["request.id"].String)
}

func TestWithRunID(t *testing.T) {
	ctx := WithRunID(context.Background(), "2c6a4f0e-5b1d-4a7e-9d0e-3f1c2b7a8e90")
	assert.Equal(t, "2c6a4f0e-5b1d-4a7e-9d0e-3f1c2b7a8e90", RunIDFromContext(ctx))
	assert.Empty(t, RunIDFromContext(context.Background()))

	assert.PanicsWithValue(t, "logging: runID cannot be empty", func() {
		WithRunID(context.Background(), "")
	})
	for _, bad := range []string{"run 1", "run/1", "run.1", strings.Repeat("a", maxIDLen+1)} {
		assert.Panics(t, func() { WithRunID(context.Background(), bad) }, bad)
	}
}

func TestWithAccount(t *testing.T) {
	for _, ok := range []string{"work", "me@example.org", "uni-mail_2"} {
		assert.Equal(t, ok, AccountFromContext(WithAccount(context.Background(), ok)))
	}

	assert.PanicsWithValue(t, "logging: account cannot be empty", func() {
		WithAccount(context.Background(), "")
	})
	for _, bad := range []string{"my work", "a/b", strings.Repeat("a", maxAccountLen+1), "bad\xff"} {
		assert.Panics(t, func() { WithAccount(context.Background(), bad) }, bad)
		assert.False(t, IsValidAccount(bad), bad)
	}
	assert.True(t, IsValidAccount("me@example.org"))
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_456")
	assert.Equal(t, "req_456", RequestIDFromContext(ctx))

	assert.PanicsWithValue(t, "logging: requestID cannot be empty", func() {
		WithRequestID(context.Background(), "")
	})
	assert.Panics(t, func() { WithRequestID(context.Background(), "req@456") })
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("0f3c9a7be21d4c55"))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("id with spaces"))
}

func TestLogger_InContext(t *testing.T) {
	logger := &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	fallback := FromContext(context.Background())
	assert.NotNil(t, fallback)
	assert.NotPanics(t, func() { fallback.Info(context.Background(), "dropped") })
}
