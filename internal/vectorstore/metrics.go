package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "vectorstore",
			Name:      "documents",
			Help:      "Number of opportunities in the similarity index",
		},
	)

	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "vectorstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of similarity index queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
