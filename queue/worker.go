package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// workerState tracks one registered queue. busy gates the dispatcher: a
// queue whose handler is running is excluded from the blocking read, which
// is what makes handlers single-concurrency per queue within a process.
type workerState struct {
	handler Handler
	busy    bool
}

// Register installs the handler for a named queue. Each queue takes exactly
// one handler; fan-out happens across worker processes, not inside one.
func (s *Substrate) Register(queueName string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[queueName]; exists {
		return fmt.Errorf("queue %q already has a handler", queueName)
	}
	s.handlers[queueName] = handler
	s.states[queueName] = &workerState{handler: handler}
	return nil
}

// RegisteredQueues lists the queues a handler is installed for.
func (s *Substrate) RegisteredQueues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	return out
}

// idleWaitKeys returns the wait-list keys of every registered queue whose
// handler is not currently running.
func (s *Substrate) idleWaitKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.states))
	for name, st := range s.states {
		if !st.busy {
			keys = append(keys, s.waitKey(name))
		}
	}
	return keys
}

func (s *Substrate) setBusy(queueName string, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[queueName]; ok {
		st.busy = busy
	}
}

// queueFromWaitKey recovers the queue name from a wait-list key returned by
// the blocking read.
func (s *Substrate) queueFromWaitKey(key string) string {
	name := strings.TrimPrefix(key, s.prefix+":q:")
	return strings.TrimSuffix(name, ":wait")
}

// Run drives the substrate until ctx is cancelled: one dispatcher performing
// a shared blocking read across all idle queues, plus a maintenance loop
// promoting delayed jobs and rescuing stalled ones. Returns after every
// in-flight handler has finished.
//
// The single blocking read is why the substrate needs only one blocking
// connection no matter how many queues exist: BLPOP takes every idle queue's
// wait key at once and reports which one produced a job.
func (s *Substrate) Run(ctx context.Context) error {
	if len(s.RegisteredQueues()) == 0 {
		return fmt.Errorf("no queue handlers registered")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()

	s.log.WithField("queues", len(s.RegisteredQueues())).Info("queue substrate running")

	for {
		if ctx.Err() != nil {
			break
		}

		keys := s.idleWaitKeys()
		if len(keys) == 0 {
			// Every handler is busy; wait a beat for one to free up.
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}

		res, err := s.conns.Blocking.BLPop(ctx, s.settings.BlockTimeout, keys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.WithError(err).Warn("blocking read failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		queueName := s.queueFromWaitKey(res[0])
		raw := res[1]

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.log.WithError(err).WithField("queue", queueName).Error("dropping undecodable job")
			s.conns.Commands.Incr(ctx, s.failedKey(queueName))
			continue
		}

		if err := s.markProcessing(ctx, &job, raw); err != nil {
			// Without a visibility lock the job would vanish on a crash;
			// put it back instead of running unprotected.
			s.log.WithError(err).WithField("job", job.ID).Warn("failed to lock job, requeuing")
			if rqErr := s.Requeue(ctx, &job); rqErr != nil {
				s.log.WithError(rqErr).WithField("job", job.ID).Error("failed to requeue unlocked job")
			}
			continue
		}

		s.setBusy(queueName, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.setBusy(queueName, false)
			s.runJob(ctx, &job, raw)
		}()
	}

	wg.Wait()
	s.log.Info("queue substrate stopped")
	return nil
}

// runJob executes one locked job: rate admission, lock renewal while the
// handler runs, then the completion or failure write.
func (s *Substrate) runJob(ctx context.Context, job *Job, raw string) {
	if err := s.waitRateSlot(ctx, job.Queue); err != nil {
		// Shutdown while parked at the limiter; hand the job back.
		if rqErr := s.Requeue(context.WithoutCancel(ctx), job); rqErr != nil {
			s.log.WithError(rqErr).WithField("job", job.ID).Error("failed to requeue rate-parked job")
		}
		s.unlock(job, raw)
		return
	}

	stop := make(chan struct{})
	var renew sync.WaitGroup
	renew.Add(1)
	go func() {
		defer renew.Done()
		ticker := time.NewTicker(s.settings.LockRenew)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.renewLock(ctx, job, raw); err != nil {
					s.log.WithError(err).WithField("job", job.ID).Warn("failed to renew job lock")
				}
			case <-stop:
				return
			}
		}
	}()

	s.mu.RLock()
	handler := s.handlers[job.Queue]
	s.mu.RUnlock()

	started := time.Now()
	err := handler(ctx, job)
	close(stop)
	renew.Wait()
	jobDurations.WithLabelValues(job.Queue).Observe(time.Since(started).Seconds())

	fields := logrus.Fields{
		"queue":   job.Queue,
		"job":     job.ID,
		"elapsed": time.Since(started).String(),
	}
	// Completion writes run even when ctx is already cancelled; losing
	// them would stall-rescue a job that actually finished.
	done := context.WithoutCancel(ctx)
	if err != nil {
		jobsFailedCounter.WithLabelValues(job.Queue).Inc()
		s.log.WithError(err).WithFields(fields).Warn("job failed")
		s.fail(done, job, raw)
		return
	}
	jobsCompletedCounter.WithLabelValues(job.Queue).Inc()
	s.log.WithFields(fields).Debug("job completed")
	s.complete(done, job, raw)
}

// unlock removes a job's visibility lock without touching the counters.
func (s *Substrate) unlock(job *Job, raw string) {
	ctx := context.Background()
	if err := s.conns.Commands.ZRem(ctx, s.processingKey(job.Queue), raw).Err(); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("failed to unlock job")
	}
}

// maintenanceLoop promotes due delayed jobs every second and rescues
// stalled jobs on the configured interval.
func (s *Substrate) maintenanceLoop(ctx context.Context) {
	promote := time.NewTicker(time.Second)
	defer promote.Stop()
	stalled := time.NewTicker(s.settings.StalledInterval)
	defer stalled.Stop()

	for {
		select {
		case <-promote.C:
			for _, q := range s.RegisteredQueues() {
				if err := s.promoteDelayed(ctx, q); err != nil && ctx.Err() == nil {
					s.log.WithError(err).WithField("queue", q).Warn("delayed promotion failed")
				}
			}
		case <-stalled.C:
			for _, q := range s.RegisteredQueues() {
				if err := s.rescueStalled(ctx, q); err != nil && ctx.Err() == nil {
					s.log.WithError(err).WithField("queue", q).Warn("stall rescue failed")
				}
			}
			s.sampleDepths(ctx)
		case <-ctx.Done():
			return
		}
	}
}
