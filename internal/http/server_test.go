package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap/zapcore"

	"github.com/kiwaku/Sentinel/internal/logging"
	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/pipeline"
	"github.com/kiwaku/Sentinel/internal/profile"
	"github.com/kiwaku/Sentinel/internal/store"
	"github.com/kiwaku/Sentinel/internal/telemetry"
	"github.com/kiwaku/Sentinel/internal/vectorstore"
)

var testNow = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

func testOpp(id, title string, typ opportunity.Type, status opportunity.Status) *opportunity.Opportunity {
	return &opportunity.Opportunity{
		ID:         id,
		Title:      title,
		Type:       typ,
		Account:    "work",
		SourceKeys: []string{"work/" + id},
		Status:     status,
		FirstSeen:  testNow.Add(-time.Hour),
		UpdatedAt:  testNow.Add(-time.Hour),
	}
}

func seedStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	deadline := testNow.AddDate(0, 0, 3)

	high := testOpp("high", "Robotics fellowship", opportunity.TypeFellowship, opportunity.StatusNew)
	high.Location = "Remote"
	high.Deadline = &deadline

	for _, o := range []*opportunity.Opportunity{
		high,
		testOpp("grant", "Chemistry grant", opportunity.TypeGrant, opportunity.StatusNew),
		testOpp("seen", "Robotics fellowship again", opportunity.TypeFellowship, opportunity.StatusSeen),
	} {
		require.NoError(t, st.Upsert(context.Background(), o))
	}
	return st
}

func testProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.Parse([]byte(`
interests: [robotics, fellowship]
preferred_types: [fellowship]
preferred_locations: [remote]
`))
	require.NoError(t, err)
	return p
}

type fixedRuns struct{ last *pipeline.RunSummary }

func (f fixedRuns) Last() *pipeline.RunSummary { return f.last }

func newTestServer(t *testing.T, st store.Store, opts ...Option) (*Server, *logging.TestLogger) {
	t.Helper()
	tl := logging.NewTestLogger()
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithGatherer(prometheus.NewRegistry()),
		WithMetrics(NewHTTPMetrics(sdkmetric.NewMeterProvider(), nil)),
	}
	s, err := NewServer(st, StaticProfile{P: testProfile(t)}, tl.Logger, &Config{Host: "127.0.0.1", Port: 0, Version: "1.2.3"}, append(base, opts...)...)
	require.NoError(t, err)
	return s, tl
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer_Validation(t *testing.T) {
	tl := logging.NewTestLogger()
	p := StaticProfile{P: profile.Default()}

	_, err := NewServer(nil, p, tl.Logger, nil)
	assert.Error(t, err)
	_, err = NewServer(store.NewMemory(), nil, tl.Logger, nil)
	assert.Error(t, err)
	_, err = NewServer(store.NewMemory(), p, nil, nil)
	assert.Error(t, err)

	s, err := NewServer(store.NewMemory(), p, tl.Logger, nil, WithGatherer(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9191", s.Addr())
}

func TestHealth(t *testing.T) {
	s, tl := newTestServer(t, store.NewMemory())

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Empty(t, body.Telemetry)

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	tl.AssertLogged(t, zapcore.InfoLevel, "http request")
	tl.AssertField(t, "http request", "status", int64(http.StatusOK))
	tl.AssertField(t, "http request", "request.id", rec.Header().Get("X-Request-Id"))
}

func TestHealth_Telemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tl := logging.NewTestLogger()
	s, err := NewServer(store.NewMemory(), StaticProfile{P: testProfile(t)}, tl.Logger, nil,
		WithGatherer(prometheus.NewRegistry()),
		WithTelemetry(tt),
	)
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(telemetry.StateExporting), decode[HealthResponse](t, rec).Telemetry)

	names, err := tt.MetricNames(context.Background())
	require.NoError(t, err)
	assert.True(t, names["sentinel.http.requests_total"], "HTTP metrics use the telemetry meter provider")

	require.NoError(t, tt.Shutdown(context.Background()))
	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, string(telemetry.StateStopped), decode[HealthResponse](t, rec).Telemetry)
}

func TestListOpportunities(t *testing.T) {
	s, _ := newTestServer(t, seedStore(t))

	rec := do(t, s, http.MethodGet, "/api/v1/opportunities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[ListResponse](t, rec)

	require.Equal(t, 2, body.Count, "only new opportunities by default")
	assert.Equal(t, "high", body.Opportunities[0].ID)
	assert.Equal(t, "grant", body.Opportunities[1].ID)
	assert.Greater(t, body.Opportunities[0].Score, body.Opportunities[1].Score)
	assert.Equal(t, "high_priority", string(body.Opportunities[0].Category))
	assert.Contains(t, body.Opportunities[0].Breakdown.Matched, "robotics")
}

func TestListOpportunities_Filters(t *testing.T) {
	s, _ := newTestServer(t, seedStore(t))

	body := decode[ListResponse](t, do(t, s, http.MethodGet, "/api/v1/opportunities?status=all", ""))
	assert.Equal(t, 3, body.Count)

	body = decode[ListResponse](t, do(t, s, http.MethodGet, "/api/v1/opportunities?status=seen", ""))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "seen", body.Opportunities[0].ID)

	body = decode[ListResponse](t, do(t, s, http.MethodGet, "/api/v1/opportunities?status=new,seen&limit=1", ""))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "high", body.Opportunities[0].ID)

	body = decode[ListResponse](t, do(t, s, http.MethodGet, "/api/v1/opportunities?account=other", ""))
	assert.Zero(t, body.Count)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/opportunities?status=done", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/opportunities?limit=-2", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/opportunities?limit=ten", "").Code)
}

func TestGetOpportunity(t *testing.T) {
	s, _ := newTestServer(t, seedStore(t))

	rec := do(t, s, http.MethodGet, "/api/v1/opportunities/high", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ScoredOpportunity](t, rec)
	assert.Equal(t, "Robotics fellowship", got.Title)
	assert.Equal(t, []string{"work/high"}, got.SourceKeys)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/opportunities/missing", "").Code)
}

func TestMarkSeen(t *testing.T) {
	st := seedStore(t)
	s, tl := newTestServer(t, st)

	rec := do(t, s, http.MethodPost, "/api/v1/opportunities/seen", `{"ids":["high","seen","missing"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[MarkSeenResponse](t, rec).Updated)

	o, err := st.Get(context.Background(), "high")
	require.NoError(t, err)
	assert.Equal(t, opportunity.StatusSeen, o.Status)
	tl.AssertField(t, "opportunities marked seen", "updated", int64(1))

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/opportunities/seen", `{"ids":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/opportunities/seen", `{"ids":`).Code)
}

func TestSearch(t *testing.T) {
	st := seedStore(t)
	idx, err := vectorstore.NewIndex(vectorstore.Config{}, nil, nil)
	require.NoError(t, err)
	all, err := st.Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.NoError(t, idx.Rebuild(context.Background(), all))

	// The index outlives a record the store no longer has.
	require.NoError(t, idx.Upsert(context.Background(), testOpp("gone", "Robotics fellowship gone", opportunity.TypeFellowship, opportunity.StatusNew)))

	s, _ := newTestServer(t, st, WithIndex(idx))

	rec := do(t, s, http.MethodGet, "/api/v1/search?q=robotics+fellowship&k=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[SearchResponse](t, rec)
	assert.Equal(t, "robotics fellowship", body.Query)
	require.Len(t, body.Results, 3)
	assert.Equal(t, "high", body.Results[0].Opportunity.ID)
	for _, r := range body.Results {
		assert.NotEqual(t, "gone", r.Opportunity.ID)
	}

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/search?q=+", "").Code)
}

func TestSearch_Disabled(t *testing.T) {
	s, _ := newTestServer(t, seedStore(t))
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/v1/search?q=robotics", "").Code)
}

func TestSummary_DoesNotMarkSeen(t *testing.T) {
	st := seedStore(t)
	s, _ := newTestServer(t, st)

	rec := do(t, s, http.MethodGet, "/api/v1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		HighPriority []struct {
			Opportunity struct {
				ID string `json:"id"`
			} `json:"opportunity"`
		} `json:"high_priority"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.HighPriority, 1)
	assert.Equal(t, "high", body.HighPriority[0].Opportunity.ID)

	o, err := st.Get(context.Background(), "high")
	require.NoError(t, err)
	assert.Equal(t, opportunity.StatusNew, o.Status)
}

func TestLastRun(t *testing.T) {
	s, _ := newTestServer(t, store.NewMemory())
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/runs/last", "").Code)

	s, _ = newTestServer(t, store.NewMemory(), WithRuns(fixedRuns{}))
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/runs/last", "").Code)

	last := &pipeline.RunSummary{RunID: "run-1", Received: 4, Stored: 2, Skipped: 2}
	s, _ = newTestServer(t, store.NewMemory(), WithRuns(fixedRuns{last: last}))
	rec := do(t, s, http.MethodGet, "/api/v1/runs/last", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, float64(2), body["stored"])
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, seedStore(t))

	rec := do(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[store.Stats](t, rec)
	assert.Equal(t, 3, body.Opportunities)
	assert.Equal(t, 2, body.ByStatus["new"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "sentinel_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s, _ := newTestServer(t, store.NewMemory(), WithGatherer(reg))
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sentinel_test_total 1")
}

func TestUnknownRoute(t *testing.T) {
	s, tl := newTestServer(t, store.NewMemory())
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/nope", "").Code)
	tl.AssertField(t, "http request", "status", int64(http.StatusNotFound))
}
