package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clusterBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_cluster_build_duration_seconds",
		Help:    "Wall time of one clustering pipeline run.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	clustersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_clusters_active",
		Help: "Clusters in the currently published snapshot.",
	})
)
