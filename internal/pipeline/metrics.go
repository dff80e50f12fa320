package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "pipeline",
			Name:      "emails_total",
			Help:      "Emails handled by the pipeline by outcome",
		},
		[]string{"outcome"},
	)

	prefilterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "pipeline",
			Name:      "prefilter_decisions_total",
			Help:      "Semantic pre-filter decisions by verdict",
		},
		[]string{"verdict"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by result",
		},
		[]string{"result"},
	)

	extractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "pipeline",
			Name:      "extraction_duration_seconds",
			Help:      "Duration of per-email extraction in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	lastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "pipeline",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last pipeline run finished",
		},
	)
)
