// Package observability exposes Prometheus metrics and health endpoints.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_sessions_total",
			Help: "Session initiations by outcome (created, resumed, conflict)",
		},
		[]string{"topic", "outcome"},
	)

	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_session_transitions_total",
			Help: "Session status transitions",
		},
		[]string{"topic", "status"},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_turns_total",
			Help: "Completed conversation turns",
		},
		[]string{"topic"},
	)

	writeConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_write_conflicts_total",
			Help: "Session saves rejected by a concurrent write",
		},
		[]string{"operation"},
	)

	// Parser metrics
	parseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_parse_total",
			Help: "Structured output parses by winning strategy (or failed)",
		},
		[]string{"topic", "strategy"},
	)

	// Provider metrics
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_provider_requests_total",
			Help: "Model dispatches by provider and result",
		},
		[]string{"provider", "status"},
	)

	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coachflow_provider_request_duration_seconds",
			Help:    "Model dispatch duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"provider"},
	)

	providerTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_provider_tokens_total",
			Help: "Tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	providerCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_provider_cost_usd_total",
			Help: "Estimated model spend in USD",
		},
		[]string{"provider"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coachflow_rate_limited_total",
			Help: "Dispatches rejected by the tenant rate limiter",
		},
	)

	// Sweeper metrics
	sweepActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_sweep_actions_total",
			Help: "Sessions changed by the background sweep",
		},
		[]string{"action"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coachflow_sweep_duration_seconds",
			Help:    "Sweep run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsTotal,
			sessionTransitionsTotal,
			turnsTotal,
			writeConflictsTotal,
			parseTotal,
			providerRequestsTotal,
			providerRequestDuration,
			providerTokensTotal,
			providerCostTotal,
			rateLimitedTotal,
			sweepActionsTotal,
			sweepDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionInitiated records an initiate outcome.
func RecordSessionInitiated(topic, outcome string) {
	sessionsTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordTransition records a session moving to status.
func RecordTransition(topic, status string) {
	sessionTransitionsTotal.WithLabelValues(topic, status).Inc()
}

// RecordTurn records a completed turn.
func RecordTurn(topic string) {
	turnsTotal.WithLabelValues(topic).Inc()
}

// RecordWriteConflict records a rejected conditional save.
func RecordWriteConflict(operation string) {
	writeConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordParse records which parse strategy won, or "failed".
func RecordParse(topic, strategy string) {
	parseTotal.WithLabelValues(topic, strategy).Inc()
}

// RecordProviderRequest records a dispatch result and duration.
func RecordProviderRequest(provider, status string, duration time.Duration) {
	providerRequestsTotal.WithLabelValues(provider, status).Inc()
	providerRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordProviderUsage records token counts and cost.
func RecordProviderUsage(provider string, inputTokens, outputTokens int, costUSD float64) {
	providerTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	providerTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	if costUSD > 0 {
		providerCostTotal.WithLabelValues(provider).Add(costUSD)
	}
}

// RecordRateLimited records a dispatch rejected by the rate limiter.
func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// RecordSweep records a sweep run.
func RecordSweep(actions map[string]int, duration time.Duration) {
	for action, n := range actions {
		sweepActionsTotal.WithLabelValues(action).Add(float64(n))
	}
	sweepDuration.Observe(duration.Seconds())
}
