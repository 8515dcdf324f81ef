package netgen

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	resolutionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysweave_resolution_total",
			Help: "Number of resolution passes started.",
		},
	)
	resolutionErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysweave_resolution_error_total",
			Help: "Number of resolution passes aborted, by error kind.",
		},
		[]string{"kind"},
	)
	resolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sysweave_resolution_duration_seconds",
			Help:    "Time taken by a full resolution pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	allocatedTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysweave_allocated_tasks_total",
			Help: "Total number of abstract tasks allocated to concrete implementations.",
		},
	)
	mergedTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysweave_merged_tasks_total",
			Help: "Total number of tasks absorbed by the merge pass.",
		},
	)
	unresolvedMergeAmbiguities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysweave_unresolved_merge_ambiguities",
			Help: "Merge candidates left unmerged after disambiguation in the last pass.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		resolutionTotal,
		resolutionErrorTotal,
		resolutionDuration,
		allocatedTasksTotal,
		mergedTasksTotal,
		unresolvedMergeAmbiguities,
	)
}
