package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is where telemetry export stands. It is reported on /health.
type State string

const (
	StateDisabled  State = "disabled"
	StateExporting State = "exporting"
	// StateDegraded means at least one provider could not be built. The
	// pipeline keeps running; only that signal is lost.
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Telemetry owns the tracer and meter providers for one process.
type Telemetry struct {
	cfg    *Config
	logger *zap.Logger

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	failed  []string
	stopped atomic.Bool
}

// provider is the lifecycle both SDK providers share.
type provider interface {
	Shutdown(context.Context) error
	ForceFlush(context.Context) error
}

// New builds the providers and installs them as the otel globals, so the
// pipeline, LLM and HTTP instruments pick them up. A disabled config returns
// an instance that defers to whatever globals are set.
func New(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return t, nil
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, res, o); err != nil {
		t.fail("traces", err)
	} else {
		t.tp = tp
		otel.SetTracerProvider(tp)
	}
	if mp, err := newMeterProvider(ctx, cfg, res, o); err != nil {
		t.fail("metrics", err)
	} else {
		t.mp = mp
		otel.SetMeterProvider(mp)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.String("state", string(t.State())),
	)
	return t, nil
}

func (t *Telemetry) fail(signal string, err error) {
	t.failed = append(t.failed, signal)
	t.logger.Warn("telemetry signal unavailable", zap.String("signal", signal), zap.Error(err))
}

// State reports the current export state. A nil Telemetry is disabled.
func (t *Telemetry) State() State {
	switch {
	case t == nil || t.cfg == nil || !t.cfg.Enabled:
		return StateDisabled
	case t.stopped.Load():
		return StateStopped
	case len(t.failed) > 0:
		return StateDegraded
	default:
		return StateExporting
	}
}

// IsEnabled reports whether anything is being exported.
func (t *Telemetry) IsEnabled() bool {
	s := t.State()
	return s == StateExporting || s == StateDegraded
}

// Tracer returns a tracer from this instance's provider, or from the global
// provider when tracing is off.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tp == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tp.Tracer(name, opts...)
}

// Meter returns a meter from MeterProvider.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return t.MeterProvider().Meter(name, opts...)
}

// MeterProvider returns this instance's meter provider, or the global one
// when metrics are off.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.mp == nil {
		return otel.GetMeterProvider()
	}
	return t.mp
}

func (t *Telemetry) providers() map[string]provider {
	out := make(map[string]provider, 2)
	if t == nil {
		return out
	}
	if t.tp != nil {
		out["traces"] = t.tp
	}
	if t.mp != nil {
		out["metrics"] = t.mp
	}
	return out
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}
	var errs []error
	for signal, p := range t.providers() {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", signal, err))
		}
	}
	t.stopped.Store(true)
	return errors.Join(errs...)
}

// ForceFlush exports everything pending.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	var errs []error
	for signal, p := range t.providers() {
		if err := p.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s flush: %w", signal, err))
		}
	}
	return errors.Join(errs...)
}
