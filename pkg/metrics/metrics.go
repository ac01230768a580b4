// Package metrics defines the Prometheus instrumentation surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTriggered counts workflow trigger acceptances by origin.
	ExecutionsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigmaflow_executions_triggered_total",
		Help: "Workflow executions accepted, by trigger origin.",
	}, []string{"origin"})

	// ExecutionsFinished counts executions reaching a terminal state.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigmaflow_executions_finished_total",
		Help: "Workflow executions finished, by terminal status.",
	}, []string{"status"})

	// StageAttempts counts stage attempts by stage and outcome.
	StageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigmaflow_stage_attempts_total",
		Help: "Stage attempts, by stage name and attempt status.",
	}, []string{"stage", "status"})

	// StageDuration observes wall-clock stage attempt duration.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigmaflow_stage_duration_seconds",
		Help:    "Stage attempt duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})

	// LLMRequests counts gateway completions and embeddings by outcome.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigmaflow_llm_requests_total",
		Help: "LLM gateway requests, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// LLMTokens counts token usage reported by providers.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigmaflow_llm_tokens_total",
		Help: "LLM token usage, by provider and token kind.",
	}, []string{"provider", "kind"})

	// QueueDepth tracks the broker queue length as last observed.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigmaflow_queue_depth",
		Help: "Workflow queue depth at the last health observation.",
	})

	// OrphansRecovered counts executions failed by the orphan sweeps.
	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigmaflow_orphans_recovered_total",
		Help: "Executions failed by orphan detection.",
	})
)
