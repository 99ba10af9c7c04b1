package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_requests_total",
			Help: "Total number of generation requests processed",
		},
		[]string{"tenant_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_provider_latency_seconds",
			Help:    "Upstream provider call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostCentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_cost_cents_total",
			Help: "Total settled spend in cents",
		},
		[]string{"provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"tenant_id"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"tenant_id"},
	)

	CoalescedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_coalesced_requests_total",
			Help: "Requests served by joining an identical in-flight request",
		},
		[]string{"tenant_id"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_fallbacks_total",
			Help: "Attempts abandoned on a provider before trying the next candidate",
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelmux_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"provider", "state"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_provider_errors_total",
			Help: "Total number of provider errors by category",
		},
		[]string{"provider", "category"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter",
		},
		[]string{"scope"},
	)

	BudgetHeadroom = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelmux_budget_headroom_ratio",
			Help: "Remaining budget fraction for the tighter active window (0-1)",
		},
		[]string{"provider"},
	)

	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_budget_denials_total",
			Help: "Reservations denied because a spend window was exhausted",
		},
		[]string{"provider"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelmux_active_streams",
			Help: "Number of active streaming responses",
		},
	)

	UsageRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_usage_records_dropped_total",
			Help: "Usage records dropped because the recorder buffer was full",
		},
	)

	IntakeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_intake_jobs_total",
			Help: "Queued generation jobs processed by the intake pool",
		},
		[]string{"status"},
	)
)

func RecordRequest(tenantID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(tenantID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordProviderLatency(provider string, durationSec float64) {
	ProviderLatency.WithLabelValues(provider).Observe(durationSec)
}

func RecordTokens(provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(provider, model string, cents int64) {
	CostCentsTotal.WithLabelValues(provider, model).Add(float64(cents))
}

func RecordCacheHit(tenantID string) {
	CacheHits.WithLabelValues(tenantID).Inc()
}

func RecordCacheMiss(tenantID string) {
	CacheMisses.WithLabelValues(tenantID).Inc()
}

func RecordCoalesced(tenantID string) {
	CoalescedRequests.WithLabelValues(tenantID).Inc()
}

func RecordFallback(provider string) {
	FallbacksTotal.WithLabelValues(provider).Inc()
}

func RecordProviderError(provider, category string) {
	ProviderErrors.WithLabelValues(provider, category).Inc()
}

func RecordRateLimitDenial(scope string) {
	RateLimitDenials.WithLabelValues(scope).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func RecordBreakerTransition(provider, state string) {
	CircuitBreakerTransitions.WithLabelValues(provider, state).Inc()
}

func SetBudgetHeadroom(provider string, ratio float64) {
	BudgetHeadroom.WithLabelValues(provider).Set(ratio)
}

func RecordBudgetDenial(provider string) {
	BudgetDenials.WithLabelValues(provider).Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}

func RecordUsageDropped() {
	UsageRecordsDropped.Inc()
}

func RecordIntakeJob(status string) {
	IntakeJobsTotal.WithLabelValues(status).Inc()
}
