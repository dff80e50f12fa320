package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/kiwaku/Sentinel/internal/llm"

// metrics holds the per-call instruments shared by both clients.
type metrics struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{tracer: otel.Tracer(instrumentationName)}

	var err error
	m.duration, err = meter.Float64Histogram(
		"sentinel.llm.request_duration_seconds",
		metric.WithDescription("Duration of language model completions including retries, labeled by provider and model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90),
	)
	if err != nil {
		logger.Warn("failed to create llm duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"sentinel.llm.errors_total",
		metric.WithDescription("Failed language model completions by provider, model and retryability"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create llm error counter", zap.Error(err))
	}
	return m
}

// observe wraps one completion in a span and records its duration and outcome.
func (m *metrics) observe(ctx context.Context, provider, model string, call func(context.Context) (string, error)) (string, error) {
	ctx, span := m.tracer.Start(ctx, "llm.complete")
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	span.SetAttributes(attrs...)

	start := time.Now()
	out, err := call(ctx)
	elapsed := time.Since(start)

	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m.errors != nil {
			m.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Bool("retryable", IsRetryable(err)))...))
		}
		return "", err
	}
	span.SetAttributes(attribute.Int("response_chars", len(out)))
	return out, nil
}
