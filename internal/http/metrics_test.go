package http

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kiwaku/Sentinel/internal/store"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	s, _ := newTestServer(t, seedStore(t), WithMetrics(NewHTTPMetrics(provider, nil)))

	do(t, s, http.MethodGet, "/api/v1/opportunities/high", "")
	do(t, s, http.MethodGet, "/api/v1/opportunities/grant", "")
	do(t, s, http.MethodGet, "/api/v1/opportunities/missing", "")

	metrics := collect(t, reader)
	for _, name := range []string{
		"sentinel.http.requests_total",
		"sentinel.http.request_duration_seconds",
		"sentinel.http.response_size_bytes",
		"sentinel.http.active_requests",
	} {
		assert.Contains(t, metrics, name)
	}

	sum, ok := metrics["sentinel.http.requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)

	byStatus := map[int64]int64{}
	for _, dp := range sum.DataPoints {
		endpoint, _ := dp.Attributes.Value(attribute.Key("endpoint"))
		assert.Equal(t, "/api/v1/opportunities/:id", endpoint.AsString(), "route template, not raw path")
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		byStatus[status.AsInt64()] += dp.Value
	}
	assert.Equal(t, int64(2), byStatus[http.StatusOK])
	assert.Equal(t, int64(1), byStatus[http.StatusNotFound], "handler errors are recorded with their status")

	active, ok := metrics["sentinel.http.active_requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, active.DataPoints, 1)
	assert.Zero(t, active.DataPoints[0].Value)
}

func TestNewHTTPMetrics_NilArgs(t *testing.T) {
	m := NewHTTPMetrics(nil, nil)
	require.NotNil(t, m)
	assert.NotNil(t, m.requestsTotal)

	s, _ := newTestServer(t, store.NewMemory(), WithMetrics(m))
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "unmatched", normalizePath(""))
	assert.Equal(t, "/api/v1/stats", normalizePath("/api/v1/stats"))
}
