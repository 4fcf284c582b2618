package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warehouse_tasks_build_info",
			Help: "Build information of the warehouse task runner",
		},
		[]string{"version", "commit", "date"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_tasks_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"status"},
	)

	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_tasks_task_runs_total",
			Help: "Total number of task runs",
		},
		[]string{"kind", "status"},
	)

	TaskRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warehouse_tasks_task_run_duration_seconds",
			Help:    "Duration of task runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27 minutes
		},
		[]string{"kind"},
	)

	OperatorQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_tasks_operator_queries_total",
			Help: "Total number of warehouse queries issued by the operator",
		},
		[]string{"status"},
	)

	OperatorQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warehouse_tasks_operator_query_duration_seconds",
			Help:    "Duration of warehouse queries issued by the operator",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 0.001s to ~33s
		},
	)

	OperatorQueryCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_tasks_operator_query_cost_total",
			Help: "Accumulated estimated cost of warehouse queries",
		},
	)
)
