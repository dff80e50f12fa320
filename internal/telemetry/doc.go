// Package telemetry sets up OpenTelemetry tracing and metrics for Sentinel.
//
// Spans and metrics are exported over OTLP, either gRPC or HTTP/protobuf,
// to a collector. Telemetry is off by default:
//
//	telemetry:
//	  enabled: true
//	  endpoint: localhost:4317
//	  protocol: grpc
//	  insecure: true
//	  sample_rate: 0.25
//
// When export cannot be set up the instance degrades instead of failing, and
// Tracer and Meter fall back to the otel globals.
//
// Tests use NewTestTelemetry, which records into memory.
package telemetry
