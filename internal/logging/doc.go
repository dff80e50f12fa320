// Package logging builds Sentinel's zap logger.
//
// Entries go to stdout as JSON or console text and, when a LoggerProvider is
// supplied, to OpenTelemetry through the otelzap bridge. Fields named like
// credentials and values that look like API keys or DSNs with passwords are
// masked before encoding. Entries below error level are sampled; errors
// never are.
//
// Context-aware methods add correlation fields stored in the context:
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithAccount(ctx, "work")
//	logger.Info(ctx, "batch committed", zap.Int("stored", n))
//
// produces
//
//	{"level":"info","msg":"batch committed","run.id":"…","account":"work","stored":3}
//
// plus trace_id and span_id when ctx carries a recording span.
//
// Packages that take a *zap.Logger receive Logger.Underlying.
package logging
