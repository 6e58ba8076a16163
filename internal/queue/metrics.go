package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skymail",
			Name:      "tasks_processed_total",
			Help:      "Total task executions by outcome.",
		},
		[]string{"lane", "task", "outcome"},
	)

	taskDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skymail",
			Name:      "task_duration_seconds",
			Help:      "Duration of task executions.",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"lane", "task"},
	)

	tasksExhaustedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skymail",
			Name:      "tasks_exhausted_total",
			Help:      "Tasks dead-lettered after running out of retries.",
		},
		[]string{"lane", "task"},
	)
)
