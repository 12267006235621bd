package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	detectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_detection_duration_seconds",
		Help:    "End-to-end detection pipeline latency per request.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_verdicts_total",
		Help: "Verdicts issued, by action and risk band.",
	}, []string{"action", "risk_band"})

	detectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_detector_errors_total",
		Help: "Detector failures (errors, panics, timeouts), by detector.",
	}, []string{"detector"})

	earlyExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_early_exits_total",
		Help: "Pipeline early exits, by cause.",
	}, []string{"cause"})

	wavesRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_waves_run_total",
		Help: "Detector waves executed, by policy.",
	}, []string{"policy"})
)
