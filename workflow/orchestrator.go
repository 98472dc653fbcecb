// Package workflow drives purchase-order executions through the ten-stage
// pipeline. Start creates an execution and enqueues its first stage; the
// stage handler then runs one stage per queue job, or all stages
// back-to-back under the sequential budget, applying the retry policy and
// the purchase-order advisory lock along the way. Progress lives in the
// workflow tables and the stage store only, never in process locals: any
// job can resume on any worker.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/progress"
	"poflow.merchantry.io/queue"
	"poflow.merchantry.io/stage"
)

const (
	// dedupWindow absorbs duplicate starts for the same upload.
	dedupWindow = 60 * time.Second

	// maxStageRetries bounds rescheduled attempts per stage.
	maxStageRetries = 2

	// retryBaseDelay seeds the 5 s, 10 s reschedule backoff.
	retryBaseDelay = 5 * time.Second

	// defaultBudget bounds one sequential invocation, a 30 s buffer under
	// the 300 s invocation cap.
	defaultBudget = 270 * time.Second
)

// StageJob is the queue payload driving one stage of one workflow. Each
// stage has a queue of its own name, so the body stays this small; the
// handler re-reads everything else.
type StageJob struct {
	WorkflowID string          `json:"workflowId"`
	Stage      model.StageName `json:"stage"`
}

// Executions is the workflow persistence surface the orchestrator drives.
// *db.WorkflowStore satisfies it.
type Executions interface {
	CreateExecution(ctx context.Context, w *model.WorkflowExecution) error
	GetExecution(ctx context.Context, workflowID string) (*model.WorkflowExecution, error)
	FindRecentByUpload(ctx context.Context, uploadID, merchantID string, window time.Duration) (*model.WorkflowExecution, error)
	AdvanceStage(ctx context.Context, workflowID string, stage model.StageName, progress int) (bool, error)
	SetStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) (bool, error)
	SetPurchaseOrder(ctx context.Context, workflowID, poID string) error
	SaveRetryCounts(ctx context.Context, workflowID string, counts model.RetryCounts) error
	SaveMetadata(ctx context.Context, workflowID string, md model.JSONMap) error
	BeginStage(ctx context.Context, workflowID string, stage model.StageName) (int64, error)
	FinishStage(ctx context.Context, id int64, status model.StageStatus, progress int, errMsg *string) error
}

// Payloads parks inter-stage envelopes between jobs. *stage.Store
// satisfies it.
type Payloads interface {
	Put(ctx context.Context, workflowID string, env *stage.Envelope) error
	Get(ctx context.Context, workflowID string, st model.StageName) (*stage.Envelope, error)
}

// Enqueuer appends jobs to named queues. *queue.Substrate satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...queue.EnqueueOptions) (string, error)
}

// Locker serializes purchase-order mutation. *POLock satisfies it.
type Locker interface {
	Acquire(ctx context.Context, poID, workflowID string) error
	Release(ctx context.Context, poID, workflowID string) error
}

// MerchantGetter resolves the tenant for per-merchant mode selection.
type MerchantGetter interface {
	GetByID(ctx context.Context, id string) (*model.Merchant, error)
}

// OrderFailer moves a purchase order out of processing when its workflow
// dies. *db.PurchaseOrderStore satisfies it.
type OrderFailer interface {
	MarkFailed(ctx context.Context, poID string) (bool, error)
}

// Notifier publishes progress events. *progress.Bus satisfies it.
type Notifier interface {
	Publish(ctx context.Context, merchantID string, kind progress.Kind, ev progress.Event)
}

// Options wires the orchestrator.
type Options struct {
	Store    Executions
	Payloads Payloads
	Registry *stage.Registry
	Queues   Enqueuer
	Lock     Locker

	// Merchants enables the per-merchant sequential setting; nil consults
	// only the global flag.
	Merchants MerchantGetter

	// Orders receives the failure write for orders whose workflow died;
	// nil leaves orders untouched.
	Orders OrderFailer

	// Bus receives progress, stage, and error events; nil disables them.
	Bus Notifier

	// Sequential switches every new workflow to sequential mode.
	Sequential bool

	// Budget bounds one sequential invocation; zero means the default.
	Budget time.Duration
}

// Orchestrator runs workflow executions against the stage registry.
type Orchestrator struct {
	store     Executions
	payloads  Payloads
	registry  *stage.Registry
	queues    Enqueuer
	lock      Locker
	merchants MerchantGetter
	orders    OrderFailer
	bus       Notifier
	log       *logrus.Entry

	sequential bool
	budget     time.Duration
	now        func() time.Time
}

// New creates the orchestrator.
func New(opts Options) *Orchestrator {
	budget := opts.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	return &Orchestrator{
		store:      opts.Store,
		payloads:   opts.Payloads,
		registry:   opts.Registry,
		queues:     opts.Queues,
		lock:       opts.Lock,
		merchants:  opts.Merchants,
		orders:     opts.Orders,
		bus:        opts.Bus,
		log:        poflow.Component("workflow"),
		sequential: opts.Sequential,
		budget:     budget,
		now:        time.Now,
	}
}

// Register installs the stage handler on all ten pipeline queues.
func (o *Orchestrator) Register(sub *queue.Substrate) error {
	for _, st := range model.PipelineStages {
		if err := sub.Register(string(st), o.HandleStageJob); err != nil {
			return err
		}
	}
	return nil
}

// StartRequest identifies the upload to process.
type StartRequest struct {
	UploadID   string
	MerchantID string
}

// StartResult reports the execution serving the request.
type StartResult struct {
	WorkflowID string

	// Deduped is true when a recent execution for the same upload
	// absorbed this start.
	Deduped bool
}

// Start creates a workflow execution for the upload and enqueues its first
// stage. A second start for the same (upload, merchant) inside the dedup
// window returns the existing execution untouched.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.UploadID == "" || req.MerchantID == "" {
		return nil, poflow.Validation("workflow.Start", errors.New("uploadId and merchantId are required"))
	}

	if recent, err := o.store.FindRecentByUpload(ctx, req.UploadID, req.MerchantID, dedupWindow); err == nil {
		workflowsDeduplicatedCounter.Inc()
		o.log.WithFields(logrus.Fields{
			"workflow": recent.WorkflowID,
			"upload":   req.UploadID,
		}).Info("duplicate start absorbed by recent workflow")
		return &StartResult{WorkflowID: recent.WorkflowID, Deduped: true}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	workflowID := "wf_" + uuid.NewString()
	uploadID := req.UploadID
	exec := &model.WorkflowExecution{
		WorkflowID:   workflowID,
		MerchantID:   req.MerchantID,
		UploadID:     &uploadID,
		CurrentStage: model.StageAIParsing,
		Status:       model.WorkflowPending,
		RetryCounts:  model.RetryCounts{},
	}
	exec.SetMode(o.modeFor(ctx, req.MerchantID))

	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	env, err := stage.Wrap(model.StageAIParsing, stage.IntakePayload{UploadID: req.UploadID})
	if err != nil {
		return nil, err
	}
	if err := o.payloads.Put(ctx, workflowID, env); err != nil {
		return nil, err
	}
	if _, err := o.queues.Enqueue(ctx, string(model.StageAIParsing), StageJob{WorkflowID: workflowID, Stage: model.StageAIParsing}); err != nil {
		return nil, err
	}

	workflowsStartedCounter.WithLabelValues(exec.Mode()).Inc()
	o.publish(ctx, req.MerchantID, progress.KindStage, progress.Event{
		Type:       "workflow_started",
		WorkflowID: workflowID,
		Stage:      string(model.StageAIParsing),
		Message:    "document processing started",
	})
	o.log.WithFields(logrus.Fields{
		"workflow": workflowID,
		"merchant": req.MerchantID,
		"upload":   req.UploadID,
		"mode":     exec.Mode(),
	}).Info("workflow started")
	return &StartResult{WorkflowID: workflowID}, nil
}

// modeFor picks the execution mode: the global flag wins, then the
// merchant's own setting.
func (o *Orchestrator) modeFor(ctx context.Context, merchantID string) string {
	if o.sequential {
		return model.ModeSequential
	}
	if o.merchants == nil {
		return model.ModeQueued
	}
	m, err := o.merchants.GetByID(ctx, merchantID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			o.log.WithError(err).WithField("merchant", merchantID).Debug("mode lookup failed, using queued")
		}
		return model.ModeQueued
	}
	if m.BoolSetting(model.SettingEnableSequentialWorkflow) {
		return model.ModeSequential
	}
	return model.ModeQueued
}

// HandleStageJob is the handler installed on every pipeline queue.
func (o *Orchestrator) HandleStageJob(ctx context.Context, job *queue.Job) error {
	var sj StageJob
	if err := json.Unmarshal(job.Body, &sj); err != nil {
		return poflow.Validation("workflow.HandleStageJob", fmt.Errorf("malformed stage job: %w", err))
	}

	exec, err := o.store.GetExecution(ctx, sj.WorkflowID)
	if errors.Is(err, db.ErrNotFound) {
		o.log.WithField("workflow", sj.WorkflowID).Error("stage job for unknown workflow, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	if exec.Mode() == model.ModeSequential {
		return o.runSequential(ctx, exec, sj.Stage)
	}
	return o.runQueued(ctx, exec, sj.Stage)
}

// errSuperseded marks a stage job that must be consumed without running:
// the workflow moved past it or left the processing states.
var errSuperseded = errors.New("stage job superseded")

// guard enforces cooperative cancellation and in-order execution for one
// stage attempt. A failed or completed status written by anyone is the
// cancellation signal.
func (o *Orchestrator) guard(exec *model.WorkflowExecution, stageName model.StageName) error {
	if exec.Status != model.WorkflowPending && exec.Status != model.WorkflowProcessing {
		return fmt.Errorf("workflow %s is %s: %w", exec.WorkflowID, exec.Status, errSuperseded)
	}
	if !model.ValidStage(stageName) {
		return fmt.Errorf("unknown stage %q: %w", stageName, errSuperseded)
	}
	if model.StageIndex(stageName) < model.StageIndex(exec.CurrentStage) {
		return fmt.Errorf("stage %s behind pointer %s: %w", stageName, exec.CurrentStage, errSuperseded)
	}
	return nil
}

// runQueued executes one stage and parks the next one on its queue.
func (o *Orchestrator) runQueued(ctx context.Context, exec *model.WorkflowExecution, stageName model.StageName) error {
	if err := o.guard(exec, stageName); err != nil {
		o.log.WithError(err).WithField("workflow", exec.WorkflowID).Info("dropping stage job")
		return nil
	}

	if _, err := o.executeStage(ctx, exec, stageName, nil); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return o.handleFailure(ctx, exec, stageName, err)
	}

	next, ok := model.NextStage(stageName)
	if !ok {
		return nil
	}
	if _, err := o.queues.Enqueue(ctx, string(next), StageJob{WorkflowID: exec.WorkflowID, Stage: next}); err != nil {
		// The pointer already advanced and the payload is parked; the
		// reconciler re-enqueues stalled work, so the job is consumed.
		o.log.WithError(err).WithFields(logrus.Fields{
			"workflow": exec.WorkflowID,
			"stage":    next,
		}).Error("failed to enqueue next stage, leaving workflow for reconciler")
	}
	return nil
}

// mutatesOrder reports whether the stage writes the purchase order or its
// children. These run under the advisory lock. database_save usually has
// no order id yet; its creation race is covered by the unique number
// index instead.
func mutatesOrder(st model.StageName) bool {
	switch st {
	case model.StageDatabaseSave, model.StageProductDraftCreation, model.StageImageAttachment,
		model.StageShopifySync, model.StageStatusUpdate:
		return true
	default:
		return false
	}
}

// executeStage runs one stage attempt end to end: pointer touch, audit
// open, payload in, advisory lock, processor, payload out, pointer
// advance, audit close, events. A non-nil seed skips the payload read; the
// sequential runner threads envelopes in memory. Retry policy belongs to
// the caller.
func (o *Orchestrator) executeStage(ctx context.Context, exec *model.WorkflowExecution, stageName model.StageName, seed *stage.Envelope) (*stage.Result, error) {
	proc, err := o.registry.Get(stageName)
	if err != nil {
		return nil, poflow.Fatal("workflow.executeStage", err)
	}

	// Entering the stage marks the execution processing and bumps
	// updated_at, which keeps the reconciler off live work. A refused
	// advance means a terminal write won the race.
	advanced, err := o.store.AdvanceStage(ctx, exec.WorkflowID, stageName, exec.Progress)
	if err != nil {
		return nil, err
	}
	if !advanced {
		return nil, fmt.Errorf("workflow %s is terminal: %w", exec.WorkflowID, errSuperseded)
	}
	exec.Status = model.WorkflowProcessing
	exec.CurrentStage = stageName

	auditID, err := o.store.BeginStage(ctx, exec.WorkflowID, stageName)
	if err != nil {
		return nil, err
	}

	env := seed
	if env == nil {
		env, err = o.payloads.Get(ctx, exec.WorkflowID, stageName)
		if err != nil {
			o.closeStage(ctx, auditID, model.StageFailed, 0, err)
			if errors.Is(err, stage.ErrNoPayload) {
				// Nothing to run on: the payload aged out or was never
				// written. Retrying the same read cannot help.
				return nil, poflow.Fatal("workflow.executeStage", err)
			}
			return nil, err
		}
	}

	poID := derefStr(exec.PurchaseOrderID)
	if poID != "" && mutatesOrder(stageName) {
		if err := o.lock.Acquire(ctx, poID, exec.WorkflowID); err != nil {
			o.closeStage(ctx, auditID, model.StageFailed, 0, err)
			return nil, err
		}
		defer func() {
			if rerr := o.lock.Release(context.WithoutCancel(ctx), poID, exec.WorkflowID); rerr != nil {
				o.log.WithError(rerr).WithField("po", poID).Warn("failed to release purchase order lock")
			}
		}()
	}

	procStart := time.Now()
	res, err := proc.Process(ctx, stage.Input{
		WorkflowID:      exec.WorkflowID,
		MerchantID:      exec.MerchantID,
		PurchaseOrderID: poID,
		Payload:         env,
	})
	if err != nil {
		stageDurations.WithLabelValues(string(stageName), "error").Observe(time.Since(procStart).Seconds())
		o.closeStage(ctx, auditID, model.StageFailed, 0, err)
		return nil, err
	}
	stageDurations.WithLabelValues(string(stageName), "ok").Observe(time.Since(procStart).Seconds())

	if res.PurchaseOrderID != "" && poID == "" {
		if err := o.store.SetPurchaseOrder(ctx, exec.WorkflowID, res.PurchaseOrderID); err != nil {
			o.closeStage(ctx, auditID, model.StageFailed, 0, err)
			return nil, err
		}
		id := res.PurchaseOrderID
		exec.PurchaseOrderID = &id
	}

	done := model.StageProgress(stageName)
	next, hasNext := model.NextStage(stageName)
	if hasNext {
		if res.Next == nil {
			err := fmt.Errorf("stage %s produced no payload for %s", stageName, next)
			o.closeStage(ctx, auditID, model.StageFailed, 0, err)
			return nil, poflow.Fatal("workflow.executeStage", err)
		}
		if err := o.payloads.Put(ctx, exec.WorkflowID, res.Next); err != nil {
			o.closeStage(ctx, auditID, model.StageFailed, 0, err)
			return nil, err
		}
		if _, err := o.store.AdvanceStage(ctx, exec.WorkflowID, next, done); err != nil {
			o.closeStage(ctx, auditID, model.StageFailed, 0, err)
			return nil, err
		}
		exec.CurrentStage = next
		exec.Progress = done
	} else {
		updated, err := o.store.SetStatus(ctx, exec.WorkflowID, model.WorkflowCompleted)
		if err != nil {
			o.closeStage(ctx, auditID, model.StageFailed, 0, err)
			return nil, err
		}
		if updated {
			workflowsCompletedCounter.Inc()
		}
		exec.Status = model.WorkflowCompleted
		exec.Progress = 100
	}

	o.closeStage(ctx, auditID, model.StageCompleted, done, nil)

	o.publish(ctx, exec.MerchantID, progress.KindProgress, progress.Event{
		Type:       "progress_update",
		POID:       derefStr(exec.PurchaseOrderID),
		WorkflowID: exec.WorkflowID,
		Stage:      string(stageName),
		Progress:   done,
		Message:    fmt.Sprintf("%s completed", stageName),
	})
	if hasNext {
		o.publish(ctx, exec.MerchantID, progress.KindStage, progress.Event{
			Type:       "stage_update",
			POID:       derefStr(exec.PurchaseOrderID),
			WorkflowID: exec.WorkflowID,
			Stage:      string(next),
			Progress:   done,
			Message:    fmt.Sprintf("entering %s", next),
		})
	}

	o.log.WithFields(logrus.Fields{
		"workflow": exec.WorkflowID,
		"stage":    stageName,
		"progress": done,
	}).Info("stage completed")
	return res, nil
}

// closeStage finishes the audit row. Best-effort: an audit write failure
// must not mask the stage outcome.
func (o *Orchestrator) closeStage(ctx context.Context, auditID int64, status model.StageStatus, progress int, stageErr error) {
	var msg *string
	if stageErr != nil {
		s := stageErr.Error()
		msg = &s
	}
	if err := o.store.FinishStage(context.WithoutCancel(ctx), auditID, status, progress, msg); err != nil {
		o.log.WithError(err).WithField("audit", auditID).Warn("failed to close stage audit")
	}
}

// retryBudget maps an error kind to the stage's retry allowance: transient
// and conflict failures get the full budget, a validation failure gets one
// fresh attempt, everything else fails the workflow on the spot.
func retryBudget(err error) int {
	switch poflow.KindOf(err) {
	case poflow.KindTransient, poflow.KindConflict:
		return maxStageRetries
	case poflow.KindValidation:
		return 1
	default:
		return 0
	}
}

// retryDelay returns the reschedule delay for the n-th retry: 5 s, 10 s.
func retryDelay(retryCount int) time.Duration {
	return retryBaseDelay * (1 << retryCount)
}

// handleFailure applies the retry policy to a failed stage attempt. A nil
// return means the failure was absorbed, by reschedule or by failing the
// workflow, and the queue job is consumed.
func (o *Orchestrator) handleFailure(ctx context.Context, exec *model.WorkflowExecution, stageName model.StageName, stageErr error) error {
	rc := exec.RetryCount(stageName)
	if rc < retryBudget(stageErr) {
		if exec.RetryCounts == nil {
			exec.RetryCounts = model.RetryCounts{}
		}
		exec.RetryCounts[string(stageName)] = rc + 1
		if err := o.store.SaveRetryCounts(ctx, exec.WorkflowID, exec.RetryCounts); err != nil {
			return err
		}
		delay := retryDelay(rc)
		if _, err := o.queues.Enqueue(ctx, string(stageName), StageJob{WorkflowID: exec.WorkflowID, Stage: stageName}, queue.EnqueueOptions{Delay: delay}); err != nil {
			return err
		}
		stageRetriesCounter.WithLabelValues(string(stageName)).Inc()
		o.log.WithError(stageErr).WithFields(logrus.Fields{
			"workflow": exec.WorkflowID,
			"stage":    stageName,
			"retry":    rc + 1,
			"delay":    delay.String(),
		}).Warn("stage failed, rescheduled")
		return nil
	}
	return o.failWorkflow(ctx, exec, stageName, stageErr)
}

// failWorkflow writes the terminal failure, moves a still-processing order
// out of the pipeline, and publishes the error event. The terminal write
// is guarded, so concurrent failures collapse into one event.
func (o *Orchestrator) failWorkflow(ctx context.Context, exec *model.WorkflowExecution, stageName model.StageName, stageErr error) error {
	updated, err := o.store.SetStatus(ctx, exec.WorkflowID, model.WorkflowFailed)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	workflowsFailedCounter.WithLabelValues(string(stageName)).Inc()

	if o.orders != nil && exec.PurchaseOrderID != nil {
		if _, err := o.orders.MarkFailed(ctx, *exec.PurchaseOrderID); err != nil {
			o.log.WithError(err).WithField("po", *exec.PurchaseOrderID).Warn("failed to mark purchase order failed")
		}
	}

	o.publish(ctx, exec.MerchantID, progress.KindError, progress.Event{
		Type:       "workflow_failed",
		POID:       derefStr(exec.PurchaseOrderID),
		WorkflowID: exec.WorkflowID,
		Stage:      string(stageName),
		Progress:   exec.Progress,
		Message:    stageErr.Error(),
	})
	o.log.WithError(stageErr).WithFields(logrus.Fields{
		"workflow": exec.WorkflowID,
		"stage":    stageName,
		"kind":     poflow.KindOf(stageErr).String(),
	}).Error("workflow failed")
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, merchantID string, kind progress.Kind, ev progress.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, merchantID, kind, ev)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
