package core

import "github.com/prometheus/client_golang/prometheus"

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_pipeline_runs_total",
			Help: "Pipeline runs by mode and terminal state",
		},
		[]string{"mode", "state"},
	)

	pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_pipeline_duration_milliseconds",
			Help:    "End-to-end pipeline duration",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"mode"},
	)

	adapterCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_adapter_calls_total",
			Help: "Adapter page requests by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	adapterCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_adapter_call_duration_milliseconds",
			Help:    "Adapter page request latency",
			Buckets: []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"platform"},
	)

	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_llm_calls_total",
			Help: "Language model calls by outcome",
		},
		[]string{"outcome"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_stage_fallbacks_total",
			Help: "Deterministic fallbacks taken per pipeline stage",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(pipelineRunsTotal)
	prometheus.MustRegister(pipelineDuration)
	prometheus.MustRegister(adapterCallsTotal)
	prometheus.MustRegister(adapterCallDuration)
	prometheus.MustRegister(llmCallsTotal)
	prometheus.MustRegister(fallbacksTotal)
}
