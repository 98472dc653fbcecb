package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workflowsStartedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_workflow_started_total",
	Help: "counter of workflow executions created, by execution mode",
}, []string{"mode"})

var workflowsDeduplicatedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "poflow_workflow_deduplicated_total",
	Help: "counter of start requests absorbed by a recent execution for the same upload",
})

var workflowsCompletedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "poflow_workflow_completed_total",
	Help: "counter of workflow executions that finished the full pipeline",
})

var workflowsFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_workflow_failed_total",
	Help: "counter of workflow executions written failed, by the stage that gave out",
}, []string{"stage"})

var stageRetriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_workflow_stage_retries_total",
	Help: "counter of stage attempts rescheduled after a retryable failure",
}, []string{"stage"})

var stageDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "poflow_workflow_stage_duration_seconds",
	Help:    "Duration in seconds of stage processor execution",
	Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
}, []string{"stage", "status"})

var sequentialDeferralsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "poflow_workflow_sequential_deferred_total",
	Help: "counter of sequential runs handed back to the queues on budget exhaustion",
})
