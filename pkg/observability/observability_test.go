package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMetrics(t *testing.T) {
	InitMetrics()
	InitMetrics() // idempotent

	before := testutil.ToFloat64(sessionsTotal.WithLabelValues("goals", "created"))
	RecordSessionInitiated("goals", "created")
	assert.Equal(t, before+1, testutil.ToFloat64(sessionsTotal.WithLabelValues("goals", "created")))

	before = testutil.ToFloat64(parseTotal.WithLabelValues("goals", "fenced"))
	RecordParse("goals", "fenced")
	assert.Equal(t, before+1, testutil.ToFloat64(parseTotal.WithLabelValues("goals", "fenced")))

	in := testutil.ToFloat64(providerTokensTotal.WithLabelValues("openai", "input"))
	RecordProviderUsage("openai", 100, 20, 0.01)
	assert.Equal(t, in+100, testutil.ToFloat64(providerTokensTotal.WithLabelValues("openai", "input")))

	before = testutil.ToFloat64(sweepActionsTotal.WithLabelValues("paused"))
	RecordSweep(map[string]int{"paused": 3}, time.Millisecond)
	assert.Equal(t, before+3, testutil.ToFloat64(sweepActionsTotal.WithLabelValues("paused")))
}

func TestMetricsEndpoint(t *testing.T) {
	InitMetrics()
	RecordTurn("goals")

	srv := httptest.NewServer(NewServer(":0", nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "coachflow_turns_total")
}

func TestHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		checks     []*HealthCheck
		wantStatus HealthStatus
		wantReady  int
	}{
		{
			name:       "no checks",
			wantStatus: HealthStatusHealthy,
			wantReady:  http.StatusOK,
		},
		{
			name:       "store healthy",
			checks:     []*HealthCheck{StoreCheck(func(context.Context) error { return nil })},
			wantStatus: HealthStatusHealthy,
			wantReady:  http.StatusOK,
		},
		{
			name: "empty catalog is degraded",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return nil }),
				CatalogCheck(func() int { return 0 }),
			},
			wantStatus: HealthStatusDegraded,
			wantReady:  http.StatusOK,
		},
		{
			name: "no providers is unhealthy",
			checks: []*HealthCheck{
				ProvidersCheck(func() []string { return nil }),
				CatalogCheck(func() int { return 2 }),
			},
			wantStatus: HealthStatusUnhealthy,
			wantReady:  http.StatusServiceUnavailable,
		},
		{
			name:       "store down is unhealthy",
			checks:     []*HealthCheck{StoreCheck(func(context.Context) error { return errors.New("redis down") })},
			wantStatus: HealthStatusUnhealthy,
			wantReady:  http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			res := hc.Check(context.Background())
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Len(t, res.Checks, len(tt.checks))

			rec := httptest.NewRecorder()
			hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.wantReady, rec.Code)
		})
	}
}

func TestHealthCheck_Timeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	res := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, res.Status)
	assert.Contains(t, res.Checks["slow"].Message, "deadline")
}

func TestSweeperCheck(t *testing.T) {
	fresh := SweeperCheck(func() time.Time { return time.Now() }, time.Minute)
	assert.NoError(t, fresh.CheckFunc(context.Background()))

	stale := SweeperCheck(func() time.Time { return time.Now().Add(-time.Hour) }, time.Minute)
	err := stale.CheckFunc(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last sweep")
	assert.False(t, stale.Critical)

	// Not run yet, but the process only just started.
	notYet := SweeperCheck(func() time.Time { return time.Time{} }, time.Hour)
	assert.NoError(t, notYet.CheckFunc(context.Background()))
}

func TestHealthHandler_JSON(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, HealthStatusHealthy, body.Status)
	assert.Equal(t, "OK", body.Checks["session_store"].Message)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestServer_StartStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer("127.0.0.1:0", nil)
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
