// Package reconcile rescues workflow executions that stopped moving: a
// lost enqueue, a worker that died mid-stage, a crashed sequential run.
// A cron-scheduled tick takes a broker lease, scans for executions
// without recent progress, and pushes each one forward or fails it once
// the rescue budget is spent.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/progress"
	"poflow.merchantry.io/queue"
	"poflow.merchantry.io/workflow"
)

const (
	defaultSchedule  = "@every 1m"
	defaultThreshold = 2 * time.Minute
	defaultBatch     = 20

	// maxAttempts bounds how often the same execution can be rescued
	// before the driver declares it lost.
	maxAttempts = 3

	// tickTimeout bounds one pass, well under the invocation cap.
	tickTimeout = 2 * time.Minute

	// leaseTTL is the GC backstop for a driver that died mid-tick; live
	// ticks release the lease explicitly.
	leaseTTL = 90 * time.Second
)

// Executions is the workflow store slice the driver needs.
// *db.WorkflowStore satisfies it.
type Executions interface {
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]*model.WorkflowExecution, error)
	AdvanceStage(ctx context.Context, workflowID string, stage model.StageName, progress int) (bool, error)
	SetStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) (bool, error)
	SaveMetadata(ctx context.Context, workflowID string, md model.JSONMap) error
}

// Orders counts persisted line items for the skip-forward decision and
// takes the failure write. *db.PurchaseOrderStore satisfies it.
type Orders interface {
	CountLineItems(ctx context.Context, poID string) (int, error)
	MarkFailed(ctx context.Context, poID string) (bool, error)
}

// Enqueuer appends jobs to named queues. *queue.Substrate satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...queue.EnqueueOptions) (string, error)
}

// Notifier publishes progress events. *progress.Bus satisfies it.
type Notifier interface {
	Publish(ctx context.Context, merchantID string, kind progress.Kind, ev progress.Event)
}

// Options wires the driver.
type Options struct {
	Store  Executions
	Orders Orders
	Queues Enqueuer
	Conns  *queue.Connections

	// Bus receives the error event for abandoned workflows; nil disables
	// it.
	Bus Notifier

	KeyPrefix string

	// Schedule is the cron spec; empty means every minute.
	Schedule string

	// Threshold is how long an execution may sit without progress before
	// it counts as stalled.
	Threshold time.Duration

	// Batch caps executions handled per tick.
	Batch int
}

// Driver is the reconcile cron driver.
type Driver struct {
	store  Executions
	orders Orders
	queues Enqueuer
	conns  *queue.Connections
	bus    Notifier
	log    *logrus.Entry

	schedule  string
	threshold time.Duration
	batch     int
	leaseKey  string
	instance  string
	cron      *cron.Cron
	now       func() time.Time
}

// New creates the driver.
func New(opts Options) *Driver {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "poflow"
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	batch := opts.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Driver{
		store:     opts.Store,
		orders:    opts.Orders,
		queues:    opts.Queues,
		conns:     opts.Conns,
		bus:       opts.Bus,
		log:       poflow.Component("reconcile"),
		schedule:  schedule,
		threshold: threshold,
		batch:     batch,
		leaseKey:  fmt.Sprintf("%s:reconcile:lease", prefix),
		instance:  uuid.NewString(),
		cron:      cron.New(),
		now:       time.Now,
	}
}

// Start schedules ticks until Stop. The first tick fires at the first
// schedule boundary, not immediately.
func (d *Driver) Start() error {
	if _, err := d.cron.AddFunc(d.schedule, d.tick); err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}
	d.cron.Start()
	d.log.WithFields(logrus.Fields{
		"schedule":  d.schedule,
		"threshold": d.threshold.String(),
		"batch":     d.batch,
	}).Info("reconciler scheduled")
	return nil
}

// Stop halts scheduling and waits for a running tick to finish.
func (d *Driver) Stop(ctx context.Context) error {
	select {
	case <-d.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	if err := d.Tick(ctx); err != nil {
		d.log.WithError(err).Error("reconcile tick failed")
	}
}

// Tick runs one reconcile pass: lease, scan, dispatch, release. A held
// lease means another instance is already on it and the tick is skipped.
func (d *Driver) Tick(ctx context.Context) error {
	ok, err := d.acquireLease(ctx)
	if err != nil {
		return err
	}
	if !ok {
		d.log.Debug("reconcile lease held elsewhere, skipping tick")
		return nil
	}
	defer d.releaseLease(context.WithoutCancel(ctx))

	stalled, err := d.store.ListStalled(ctx, d.now().Add(-d.threshold), d.batch)
	if err != nil {
		return err
	}
	if len(stalled) == 0 {
		return nil
	}

	d.log.WithField("count", len(stalled)).Info("reconciling stalled workflows")
	for _, exec := range stalled {
		if err := d.reconcile(ctx, exec); err != nil {
			d.log.WithError(err).WithField("workflow", exec.WorkflowID).Error("failed to reconcile workflow")
		}
	}
	return nil
}

func (d *Driver) acquireLease(ctx context.Context) (bool, error) {
	ok, err := d.conns.Commands.SetNX(ctx, d.leaseKey, d.instance, leaseTTL).Result()
	if err != nil {
		return false, poflow.Transient("reconcile.acquireLease", fmt.Errorf("failed to acquire reconcile lease: %w", err))
	}
	return ok, nil
}

// releaseLease drops the lease only while it is still ours; a tick that
// outlived the TTL must not evict its successor.
func (d *Driver) releaseLease(ctx context.Context) {
	txn := func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, d.leaseKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if holder != d.instance {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, d.leaseKey)
			return nil
		})
		return err
	}
	if err := d.conns.Commands.Watch(ctx, txn, d.leaseKey); err != nil && !errors.Is(err, redis.TxFailedErr) {
		d.log.WithError(err).Warn("failed to release reconcile lease")
	}
}

// reconcile pushes one stalled execution forward. Sequential executions
// resume at the pointer, never skip; queued executions whose order already
// carries line items may be advanced past the save stage. The metadata
// attempt counter bounds rescues, and bumping it also refreshes
// updated_at, so a rescued execution leaves the stalled window for a full
// threshold.
func (d *Driver) reconcile(ctx context.Context, exec *model.WorkflowExecution) error {
	if exec.ReconcileAttempts() >= maxAttempts {
		return d.fail(ctx, exec)
	}
	attempt := exec.BumpReconcileAttempts()
	if err := d.store.SaveMetadata(ctx, exec.WorkflowID, exec.Metadata); err != nil {
		return err
	}

	items, err := d.lineItems(ctx, exec)
	if err != nil {
		return err
	}

	log := d.log.WithFields(logrus.Fields{
		"workflow": exec.WorkflowID,
		"stage":    exec.CurrentStage,
		"mode":     exec.Mode(),
		"attempt":  attempt,
	})

	switch {
	case exec.Status == model.WorkflowPending:
		// The start enqueue never landed.
		rescuesCounter.WithLabelValues("start").Inc()
		log.Info("re-enqueueing pending workflow")
		return d.enqueue(ctx, exec.WorkflowID, exec.CurrentStage)

	case exec.Mode() == model.ModeSequential:
		// Line items only prove the save stage ran; the rest of the
		// pipeline is still owed. Resume at the pointer.
		rescuesCounter.WithLabelValues("resume").Inc()
		log.WithField("lineItems", items).Info("resuming sequential workflow")
		return d.enqueue(ctx, exec.WorkflowID, exec.CurrentStage)

	case items > 0 && model.StageIndex(exec.CurrentStage) <= model.StageIndex(model.StageDatabaseSave):
		// Queued mode, pointer still on the save stage, but the order
		// already has line items: the save completed and its success
		// write or enqueue was lost. Advance past it instead of saving
		// again.
		next, _ := model.NextStage(model.StageDatabaseSave)
		advanced, err := d.store.AdvanceStage(ctx, exec.WorkflowID, next, model.StageProgress(model.StageDatabaseSave))
		if err != nil {
			return err
		}
		if !advanced {
			log.Info("workflow turned terminal, leaving it")
			return nil
		}
		rescuesCounter.WithLabelValues("advance").Inc()
		log.WithField("lineItems", items).Info("advancing workflow past completed save stage")
		return d.enqueue(ctx, exec.WorkflowID, next)

	default:
		rescuesCounter.WithLabelValues("reenqueue").Inc()
		log.Info("re-enqueueing stalled stage")
		return d.enqueue(ctx, exec.WorkflowID, exec.CurrentStage)
	}
}

func (d *Driver) lineItems(ctx context.Context, exec *model.WorkflowExecution) (int, error) {
	if d.orders == nil || exec.PurchaseOrderID == nil {
		return 0, nil
	}
	return d.orders.CountLineItems(ctx, *exec.PurchaseOrderID)
}

func (d *Driver) enqueue(ctx context.Context, workflowID string, st model.StageName) error {
	_, err := d.queues.Enqueue(ctx, string(st), workflow.StageJob{WorkflowID: workflowID, Stage: st})
	return err
}

// fail writes the terminal failure for an execution the driver gave up
// on. The guarded write collapses races with workers that failed or
// finished it in the meantime.
func (d *Driver) fail(ctx context.Context, exec *model.WorkflowExecution) error {
	updated, err := d.store.SetStatus(ctx, exec.WorkflowID, model.WorkflowFailed)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	abandonedCounter.Inc()

	var poID string
	if exec.PurchaseOrderID != nil {
		poID = *exec.PurchaseOrderID
		if d.orders != nil {
			if _, err := d.orders.MarkFailed(ctx, poID); err != nil {
				d.log.WithError(err).WithField("po", poID).Warn("failed to mark purchase order failed")
			}
		}
	}

	if d.bus != nil {
		d.bus.Publish(ctx, exec.MerchantID, progress.KindError, progress.Event{
			Type:       "workflow_failed",
			POID:       poID,
			WorkflowID: exec.WorkflowID,
			Stage:      string(exec.CurrentStage),
			Progress:   exec.Progress,
			Message:    fmt.Sprintf("workflow stalled at %s after %d reconcile attempts", exec.CurrentStage, maxAttempts),
		})
	}
	d.log.WithFields(logrus.Fields{
		"workflow": exec.WorkflowID,
		"stage":    exec.CurrentStage,
	}).Error("workflow abandoned after reconcile budget")
	return nil
}
