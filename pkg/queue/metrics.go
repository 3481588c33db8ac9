package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	taskExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zaphod_task_executions_total",
			Help: "Total number of background task executions by outcome",
		},
		[]string{"task", "outcome"},
	)

	tasksAbandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zaphod_tasks_abandoned_total",
			Help: "Background tasks dropped after exhausting their retry budget",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(taskExecutions, tasksAbandoned)
}
