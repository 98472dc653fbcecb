package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
)

// Settings calibrate the substrate for serverless-scale cold starts: the
// lock outlives the worst cold start plus job runtime, renewal fires at half
// the lock so a GC pause cannot lose it, and stalled jobs are rescued after
// three lock expiries.
type Settings struct {
	// LockDuration is the visibility window a running job holds.
	LockDuration time.Duration

	// LockRenew is how often a running job extends its lock.
	LockRenew time.Duration

	// StalledInterval is how often expired locks are scanned for.
	StalledInterval time.Duration

	// MaxStalledCount is how many lock expiries a job survives before it is
	// failed outright.
	MaxStalledCount int

	// RateMax jobs start per RateWindow per queue. Excess jobs stay in the
	// wait list; nothing is dropped or bounced.
	RateMax    int
	RateWindow time.Duration

	// BlockTimeout bounds one blocking read so the dispatcher can refresh
	// its idle-queue set and observe shutdown.
	BlockTimeout time.Duration
}

// DefaultSettings returns the production calibration.
func DefaultSettings() Settings {
	return Settings{
		LockDuration:    120 * time.Second,
		LockRenew:       60 * time.Second,
		StalledInterval: 60 * time.Second,
		MaxStalledCount: 3,
		RateMax:         10,
		RateWindow:      5 * time.Second,
		BlockTimeout:    time.Second,
	}
}

// Job is one unit of queued work. The payload Body is opaque to the
// substrate; attempt and stall counters travel with the job so rescue
// decisions survive worker crashes.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Body       json.RawMessage `json:"body"`
	Attempt    int             `json:"attempt"`
	Stalls     int             `json:"stalls"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Handler processes one job. A non-nil error counts the job failed; the
// substrate does not re-run failed jobs on its own, retry policy belongs to
// the orchestrator.
type Handler func(ctx context.Context, job *Job) error

// Status reports one queue's depth counters.
type Status struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// EnqueueOptions modify a single enqueue.
type EnqueueOptions struct {
	// Delay holds the job in the delayed set until it elapses.
	Delay time.Duration
}

// Substrate is the process-wide queue fabric. One instance serves every
// named queue over the shared connections.
type Substrate struct {
	conns    *Connections
	prefix   string
	settings Settings
	log      *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]Handler
	states   map[string]*workerState
}

// NewSubstrate creates the queue fabric on the shared connections.
func NewSubstrate(conns *Connections, keyPrefix string, settings Settings) *Substrate {
	if keyPrefix == "" {
		keyPrefix = "poflow"
	}
	return &Substrate{
		conns:    conns,
		prefix:   keyPrefix,
		settings: settings,
		log:      poflow.Component("queue"),
		handlers: map[string]Handler{},
		states:   map[string]*workerState{},
	}
}

// Key layout per queue.
func (s *Substrate) waitKey(q string) string       { return fmt.Sprintf("%s:q:%s:wait", s.prefix, q) }
func (s *Substrate) delayedKey(q string) string    { return fmt.Sprintf("%s:q:%s:delayed", s.prefix, q) }
func (s *Substrate) processingKey(q string) string { return fmt.Sprintf("%s:q:%s:processing", s.prefix, q) }
func (s *Substrate) completedKey(q string) string  { return fmt.Sprintf("%s:q:%s:completed", s.prefix, q) }
func (s *Substrate) failedKey(q string) string     { return fmt.Sprintf("%s:q:%s:failed", s.prefix, q) }
func (s *Substrate) rateKey(q string) string       { return fmt.Sprintf("%s:q:%s:rate", s.prefix, q) }

// Enqueue appends a job to the named queue and returns its id. With a delay
// the job parks in the delayed set and is promoted once due.
func (s *Substrate) Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	var delay time.Duration
	if len(opts) > 0 {
		delay = opts[0].Delay
	}

	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := s.conns.Commands.ZAdd(ctx, s.delayedKey(queueName), redis.Z{Score: readyAt, Member: string(raw)}).Err(); err != nil {
			return "", poflow.Transient("queue.Enqueue", fmt.Errorf("failed to delay job: %w", err))
		}
	} else {
		if err := s.conns.Commands.RPush(ctx, s.waitKey(queueName), raw).Err(); err != nil {
			return "", poflow.Transient("queue.Enqueue", fmt.Errorf("failed to enqueue job: %w", err))
		}
	}

	jobsEnqueuedCounter.WithLabelValues(queueName).Inc()
	s.log.WithFields(logrus.Fields{
		"queue": queueName,
		"job":   job.ID,
		"delay": delay.String(),
	}).Debug("job enqueued")
	return job.ID, nil
}

// Requeue puts an existing job back on its wait list, preserving counters.
// The stall rescuer and the re-enqueue path of the orchestrator use this.
func (s *Substrate) Requeue(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	// Rescued work goes to the head; it has already waited its turn.
	if err := s.conns.Commands.LPush(ctx, s.waitKey(job.Queue), raw).Err(); err != nil {
		return poflow.Transient("queue.Requeue", fmt.Errorf("failed to requeue job: %w", err))
	}
	return nil
}

// Status reports the named queue's counters.
func (s *Substrate) Status(ctx context.Context, queueName string) (*Status, error) {
	pipe := s.conns.Commands.Pipeline()
	waiting := pipe.LLen(ctx, s.waitKey(queueName))
	delayed := pipe.ZCard(ctx, s.delayedKey(queueName))
	active := pipe.ZCard(ctx, s.processingKey(queueName))
	completed := pipe.Get(ctx, s.completedKey(queueName))
	failed := pipe.Get(ctx, s.failedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, poflow.Transient("queue.Status", fmt.Errorf("failed to read queue status: %w", err))
	}

	st := &Status{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
	}
	if n, err := strconv.ParseInt(completed.Val(), 10, 64); err == nil {
		st.Completed = n
	}
	if n, err := strconv.ParseInt(failed.Val(), 10, 64); err == nil {
		st.Failed = n
	}
	return st, nil
}

// promoteDelayed moves due jobs from the delayed set to the wait list. The
// ZRem is the ownership claim, so concurrent promoters never double-deliver.
func (s *Substrate) promoteDelayed(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := s.conns.Commands.ZRangeByScore(ctx, s.delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	for _, raw := range members {
		removed, err := s.conns.Commands.ZRem(ctx, s.delayedKey(queueName), raw).Result()
		if err != nil {
			return fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue // another promoter won
		}
		if err := s.conns.Commands.RPush(ctx, s.waitKey(queueName), raw).Err(); err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
	}
	return nil
}

// markProcessing records the job's visibility lock.
func (s *Substrate) markProcessing(ctx context.Context, job *Job, raw string) error {
	expiry := float64(time.Now().Add(s.settings.LockDuration).UnixMilli())
	if err := s.conns.Commands.ZAdd(ctx, s.processingKey(job.Queue), redis.Z{Score: expiry, Member: raw}).Err(); err != nil {
		return poflow.Transient("queue.markProcessing", fmt.Errorf("failed to mark job processing: %w", err))
	}
	return nil
}

// renewLock extends a running job's visibility lock. XX keeps renewal from
// resurrecting a job the stall rescuer already reclaimed.
func (s *Substrate) renewLock(ctx context.Context, job *Job, raw string) error {
	expiry := float64(time.Now().Add(s.settings.LockDuration).UnixMilli())
	return s.conns.Commands.ZAddXX(ctx, s.processingKey(job.Queue), redis.Z{Score: expiry, Member: raw}).Err()
}

// complete removes the job's lock and bumps the completed counter.
func (s *Substrate) complete(ctx context.Context, job *Job, raw string) {
	pipe := s.conns.Commands.Pipeline()
	pipe.ZRem(ctx, s.processingKey(job.Queue), raw)
	pipe.Incr(ctx, s.completedKey(job.Queue))
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("failed to record job completion")
	}
}

// fail removes the job's lock and bumps the failed counter.
func (s *Substrate) fail(ctx context.Context, job *Job, raw string) {
	pipe := s.conns.Commands.Pipeline()
	pipe.ZRem(ctx, s.processingKey(job.Queue), raw)
	pipe.Incr(ctx, s.failedKey(job.Queue))
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("failed to record job failure")
	}
}

// rescueStalled requeues jobs whose lock expired without completion, which
// means their worker died or lost its renewal. A job over the stall budget
// is failed instead of requeued, so a poison job cannot loop forever.
func (s *Substrate) rescueStalled(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := s.conns.Commands.ZRangeByScore(ctx, s.processingKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan stalled jobs: %w", err)
	}

	for _, raw := range members {
		removed, err := s.conns.Commands.ZRem(ctx, s.processingKey(queueName), raw).Result()
		if err != nil {
			return fmt.Errorf("failed to claim stalled job: %w", err)
		}
		if removed == 0 {
			continue // another rescuer won
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.log.WithError(err).WithField("queue", queueName).Error("dropping undecodable stalled job")
			s.conns.Commands.Incr(ctx, s.failedKey(queueName))
			continue
		}

		job.Stalls++
		if job.Stalls > s.settings.MaxStalledCount {
			s.log.WithFields(logrus.Fields{
				"queue": queueName, "job": job.ID, "stalls": job.Stalls,
			}).Error("job exceeded stall budget, failing")
			s.conns.Commands.Incr(ctx, s.failedKey(queueName))
			continue
		}

		jobsStalledCounter.WithLabelValues(queueName).Inc()
		s.log.WithFields(logrus.Fields{
			"queue": queueName, "job": job.ID, "stalls": job.Stalls,
		}).Warn("rescuing stalled job")
		if err := s.Requeue(ctx, &job); err != nil {
			return err
		}
	}
	return nil
}

// waitRateSlot blocks until the queue's fixed window admits another job.
// Slots are never bounced: the popped job simply waits, holding its lock,
// until the window turns over.
func (s *Substrate) waitRateSlot(ctx context.Context, queueName string) error {
	if s.settings.RateMax <= 0 {
		return nil
	}
	for {
		n, err := s.conns.Commands.Incr(ctx, s.rateKey(queueName)).Result()
		if err != nil {
			return poflow.Transient("queue.rate", fmt.Errorf("failed to take rate slot: %w", err))
		}
		if n == 1 {
			if err := s.conns.Commands.PExpire(ctx, s.rateKey(queueName), s.settings.RateWindow).Err(); err != nil {
				return poflow.Transient("queue.rate", fmt.Errorf("failed to arm rate window: %w", err))
			}
		}
		if n <= int64(s.settings.RateMax) {
			return nil
		}

		ttl, err := s.conns.Commands.PTTL(ctx, s.rateKey(queueName)).Result()
		if err != nil || ttl <= 0 {
			ttl = s.settings.RateWindow
		}
		select {
		case <-time.After(ttl):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
