package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rescuesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_reconcile_rescued_total",
	Help: "counter of stalled workflow executions pushed back into motion, by rescue action",
}, []string{"action"})

var abandonedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "poflow_reconcile_abandoned_total",
	Help: "counter of workflow executions failed after exhausting the rescue budget",
})
