package match

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var matchResolutionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_match_resolutions_total",
	Help: "counter of supplier resolve calls, by the engine that answered",
}, []string{"engine", "status"})

var matchFallbacksCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "poflow_match_fallbacks_total",
	Help: "counter of trigram engine failures absorbed by the in-process engine",
})

var matchActionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_match_actions_total",
	Help: "counter of resolve verdicts, by action taken on the stub",
}, []string{"action"})

var matchDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "poflow_match_duration_seconds",
	Help:    "Duration in seconds of supplier matching engine calls",
	Buckets: []float64{0.001, 0.005, 0.02, 0.1, 0.5, 2},
}, []string{"engine"})
