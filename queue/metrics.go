package queue

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_queue_jobs_enqueued_total",
	Help: "counter of jobs accepted onto a queue, delayed jobs included",
}, []string{"queue"})

var jobsCompletedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_queue_jobs_completed_total",
	Help: "counter of jobs whose handler returned without error",
}, []string{"queue"})

var jobsFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_queue_jobs_failed_total",
	Help: "counter of jobs whose handler returned an error",
}, []string{"queue"})

var jobsStalledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "poflow_queue_jobs_stalled_total",
	Help: "counter of jobs requeued after their processing lock expired",
}, []string{"queue"})

var jobDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "poflow_queue_job_duration_seconds",
	Help:    "Duration in seconds of job handler execution",
	Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
}, []string{"queue"})

var queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "poflow_queue_depth",
	Help: "jobs currently waiting, delayed, or locked in processing",
}, []string{"queue", "state"})

// sampleDepths refreshes the depth gauges from the broker. It rides the
// stall-rescue ticker so the cost is one pipeline per queue per interval,
// not per job.
func (s *Substrate) sampleDepths(ctx context.Context) {
	for _, q := range s.RegisteredQueues() {
		st, err := s.Status(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				s.log.WithError(err).WithField("queue", q).Debug("depth sample failed")
			}
			continue
		}
		queueDepthGauge.WithLabelValues(q, "waiting").Set(float64(st.Waiting))
		queueDepthGauge.WithLabelValues(q, "delayed").Set(float64(st.Delayed))
		queueDepthGauge.WithLabelValues(q, "active").Set(float64(st.Active))
	}
}
