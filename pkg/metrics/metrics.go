// Package metrics exposes prometheus instrumentation for the verdict
// engine and the ingestion path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResultsIngested counts stored test results by outcome.
	ResultsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pwm_results_ingested_total",
		Help: "The number of test results ingested since the service was started",
	}, []string{"outcome"})

	// TestVerdicts counts per-test verdicts by classification.
	TestVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pwm_test_verdicts_total",
		Help: "The number of per-test verdicts computed, by classification",
	}, []string{"classification"})

	// PipelineVerdicts counts pipeline-level verdicts.
	PipelineVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pwm_pipeline_verdicts_total",
		Help: "The number of pipeline verdicts computed, by verdict and auto-pass decision",
	}, []string{"verdict", "auto_pass"})

	// ArbitrationRequests counts arbitration exchanges by outcome.
	ArbitrationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pwm_arbitration_requests_total",
		Help: "The number of arbitration requests, by outcome (applied, degraded, skipped)",
	}, []string{"outcome"})

	// ArbitrationDuration observes arbitration call latency.
	ArbitrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pwm_arbitration_duration_seconds",
		Help:    "Latency of arbitration calls",
		Buckets: prometheus.DefBuckets,
	})
)
