package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/queue"
)

// Lock timings. The stale window must comfortably exceed one healthy save
// transaction and nothing more: every extra second parks all workflows
// waiting behind a crashed holder.
const (
	lockStaleAfter = 30 * time.Second
	lockWaitCap    = 10 * time.Second
)

// lockRecord is the value parked under a lock key.
type lockRecord struct {
	WorkflowID string    `json:"workflowId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// POLock serializes purchase-order mutation across workflows. It is a key
// in the broker, not a database row lock: row locks do not survive a
// workflow that spans queue jobs and worker processes. A holder older than
// the stale window is evicted explicitly, with a log line naming the dead
// workflow; the key TTL is only a garbage-collection backstop.
type POLock struct {
	conns      *queue.Connections
	prefix     string
	staleAfter time.Duration
	waitCap    time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

// NewPOLock creates the lock manager on the shared broker connections.
func NewPOLock(conns *queue.Connections, keyPrefix string) *POLock {
	if keyPrefix == "" {
		keyPrefix = "poflow"
	}
	return &POLock{
		conns:      conns,
		prefix:     keyPrefix,
		staleAfter: lockStaleAfter,
		waitCap:    lockWaitCap,
		now:        time.Now,
		log:        poflow.Component("polock"),
	}
}

func (l *POLock) key(poID string) string {
	return fmt.Sprintf("%s:polock:%s", l.prefix, poID)
}

// errLockHeld marks one failed attempt inside the wait loop.
var errLockHeld = errors.New("purchase order locked")

// Acquire takes the purchase-order lock for workflowID, waiting with
// backoff up to the wait cap. Stale holders are evicted in place. On
// timeout the error is transient, so the stage retry policy reschedules
// the stage instead of failing the workflow.
func (l *POLock) Acquire(ctx context.Context, poID, workflowID string) error {
	op := func() error {
		ok, err := l.tryAcquire(ctx, poID, workflowID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = l.waitCap

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, errLockHeld) {
			return poflow.Transient("workflow.polock.Acquire",
				fmt.Errorf("purchase order %s still locked after %s", poID, l.waitCap))
		}
		return err
	}
	return nil
}

// tryAcquire makes one attempt: SetNX wins free locks, held locks are
// inspected and taken over only when the holder is this workflow, stale,
// or undecodable. The takeover runs under WATCH so two waiters cannot both
// evict the same dead holder.
func (l *POLock) tryAcquire(ctx context.Context, poID, workflowID string) (bool, error) {
	rec := lockRecord{WorkflowID: workflowID, AcquiredAt: l.now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, poflow.Validation("workflow.polock", err)
	}
	key := l.key(poID)
	ttl := 2 * l.staleAfter

	ok, err := l.conns.Commands.SetNX(ctx, key, raw, ttl).Result()
	if err != nil {
		return false, poflow.Transient("workflow.polock", fmt.Errorf("failed to take purchase order lock: %w", err))
	}
	if ok {
		return true, nil
	}

	var acquired bool
	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Holder vanished between SetNX and WATCH; the next attempt
			// wins cleanly.
			return nil
		}
		if err != nil {
			return err
		}

		var holder lockRecord
		decodable := json.Unmarshal(cur, &holder) == nil
		if decodable && holder.WorkflowID != workflowID && l.now().Sub(holder.AcquiredAt) < l.staleAfter {
			return nil // healthy foreign holder, keep waiting
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		acquired = true
		if decodable && holder.WorkflowID != workflowID {
			l.log.WithFields(logrus.Fields{
				"po":      poID,
				"took":    workflowID,
				"evicted": holder.WorkflowID,
				"heldFor": l.now().Sub(holder.AcquiredAt).String(),
			}).Warn("reclaimed stale purchase order lock")
		}
		return nil
	}

	if err := l.conns.Commands.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, nil // lost the takeover race, keep waiting
		}
		return false, poflow.Transient("workflow.polock", fmt.Errorf("failed to inspect purchase order lock: %w", err))
	}
	return acquired, nil
}

// Release drops the lock if workflowID still holds it. A lock lost to a
// stale reclaim is released by its new holder instead; the mismatch is
// logged because the work it guarded may have raced the new holder.
func (l *POLock) Release(ctx context.Context, poID, workflowID string) error {
	key := l.key(poID)
	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var holder lockRecord
		if err := json.Unmarshal(cur, &holder); err == nil && holder.WorkflowID != workflowID {
			l.log.WithFields(logrus.Fields{
				"po":     poID,
				"holder": holder.WorkflowID,
				"wanted": workflowID,
			}).Warn("purchase order lock changed hands before release")
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	if err := l.conns.Commands.Watch(ctx, txn, key); err != nil && !errors.Is(err, redis.TxFailedErr) {
		return poflow.Transient("workflow.polock.Release", fmt.Errorf("failed to release purchase order lock: %w", err))
	}
	return nil
}
