// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TelegramUpdatesTotal counts webhook updates by what happened to them.
	TelegramUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_updates_total",
			Help: "Telegram updates received, by outcome",
		},
		[]string{"outcome"},
	)

	// IntentsTotal counts classified messages.
	IntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intents_total",
			Help: "Classified messages by intent",
		},
		[]string{"intent"},
	)

	// ModelRequestsTotal counts model invocations.
	ModelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Model invocations by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	// ModelRequestDuration tracks model invocation latency.
	ModelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_request_duration_seconds",
			Help:    "Model invocation duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"model", "outcome"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// CircuitBreakerOpenTotal counts breaker trips.
	CircuitBreakerOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_open_total",
			Help: "Times a circuit breaker opened",
		},
		[]string{"api"},
	)

	// DedupHitsTotal counts suppressed webhook redeliveries.
	DedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_hits_total",
			Help: "Duplicate updates suppressed",
		},
	)

	// ContextDegradedTotal counts requests answered without stored context.
	ContextDegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "context_degraded_total",
			Help: "Requests that continued without conversation context",
		},
	)

	// WorkerQueueDepth tracks pending background jobs.
	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Updates waiting for a worker",
		},
	)

	// EventBusConnected is 1 while the NATS connection is up.
	EventBusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_bus_connected",
			Help: "Whether the conversation event bus is connected",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordModelCall records metrics for one model invocation.
func RecordModelCall(model, outcome string, duration float64) {
	ModelRequestsTotal.WithLabelValues(model, outcome).Inc()
	ModelRequestDuration.WithLabelValues(model, outcome).Observe(duration)
}

// RecordTokens records token usage reported by a backend.
func RecordTokens(model string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}
