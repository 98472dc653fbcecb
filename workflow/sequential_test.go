package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/progress"
	"poflow.merchantry.io/stage"
)

func TestSequentialRunsAllStages(t *testing.T) {
	r := newRig(t)
	var ran []model.StageName
	r.registerPassThrough(t, "po-1", &ran, nil)
	seedExec(r, "wf_1", model.StageAIParsing, model.ModeSequential)
	parkPayload(t, r, "wf_1", model.StageAIParsing)
	ctx := context.Background()

	require.NoError(t, r.orch.HandleStageJob(ctx, stageJob(t, "wf_1", model.StageAIParsing)))

	assert.Equal(t, model.PipelineStages, ran, "one invocation covers the whole pipeline")
	assert.Empty(t, r.queues.jobs, "no queue hops in sequential mode")

	w := r.execs.execs["wf_1"]
	assert.Equal(t, model.WorkflowCompleted, w.Status)
	assert.Equal(t, 100, w.Progress)
	require.NotNil(t, w.PurchaseOrderID)
	assert.Equal(t, "po-1", *w.PurchaseOrderID)

	audits := r.execs.auditsFor("wf_1")
	require.Len(t, audits, len(model.PipelineStages))
	for i, a := range audits {
		assert.Equal(t, model.PipelineStages[i], a.StageName)
		assert.Equal(t, model.StageCompleted, a.Status)
	}

	// The order lock wraps the mutating stages once the order exists; the
	// save stage itself runs before the id is known.
	want := []string{"po-1:wf_1", "po-1:wf_1", "po-1:wf_1", "po-1:wf_1"}
	assert.Equal(t, want, r.lock.acquired)
	assert.Equal(t, want, r.lock.released)

	assert.Len(t, r.bus.byKind(progress.KindProgress), len(model.PipelineStages))
	assert.Empty(t, r.bus.byKind(progress.KindError))
}

func TestSequentialDefersOnBudget(t *testing.T) {
	r := newRig(t)
	clk := &fakeClock{t: time.Now()}
	r.orch.now = clk.Now
	r.orch.budget = 250 * time.Second

	var ran []model.StageName
	r.registerPassThrough(t, "", &ran, func(st model.StageName) {
		clk.Advance(stage.EstimatedCost[st])
	})
	seedExec(r, "wf_1", model.StageAIParsing, model.ModeSequential)
	parkPayload(t, r, "wf_1", model.StageAIParsing)
	ctx := context.Background()

	require.NoError(t, r.orch.HandleStageJob(ctx, stageJob(t, "wf_1", model.StageAIParsing)))

	// 250 s cover nine stages; status_update costs more than the zero
	// seconds left and defers.
	assert.Len(t, ran, len(model.PipelineStages)-1)
	assert.NotContains(t, ran, model.StageStatusUpdate)

	w := r.execs.execs["wf_1"]
	assert.Equal(t, model.WorkflowProcessing, w.Status)
	assert.Equal(t, model.StageStatusUpdate, w.CurrentStage)
	assert.Equal(t, 90, w.Progress)
	assert.Equal(t, model.ModeQueued, w.Mode(), "deferral flips the recorded mode")

	require.Len(t, r.queues.jobs, 1)
	assert.Equal(t, string(model.StageStatusUpdate), r.queues.jobs[0].queue)
	assert.Equal(t, "wf_1", r.queues.jobs[0].job.WorkflowID)
	assert.Zero(t, r.queues.jobs[0].delay)

	// The deferred stage finds its payload parked.
	env, err := r.store.Get(ctx, "wf_1", model.StageStatusUpdate)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusUpdate, env.Stage)

	assert.Len(t, r.execs.auditsFor("wf_1"), len(model.PipelineStages)-1)
}

func TestSequentialStopsOnExternalFailureWrite(t *testing.T) {
	r := newRig(t)
	r.registerPassThrough(t, "", nil, func(st model.StageName) {
		// A concurrent writer fails the workflow while the first stage is
		// still running. Only the boundary refresh can see it.
		if st == model.StageAIParsing {
			r.execs.execs["wf_1"].Status = model.WorkflowFailed
		}
	})
	seedExec(r, "wf_1", model.StageAIParsing, model.ModeSequential)
	parkPayload(t, r, "wf_1", model.StageAIParsing)

	require.NoError(t, r.orch.HandleStageJob(context.Background(), stageJob(t, "wf_1", model.StageAIParsing)))

	assert.Equal(t, model.WorkflowFailed, r.execs.execs["wf_1"].Status, "terminal write survives")
	assert.Len(t, r.execs.auditsFor("wf_1"), 1, "second stage never began")
	assert.Empty(t, r.queues.jobs)
	assert.Empty(t, r.bus.byKind(progress.KindError), "the stopped run raises no failure of its own")
}

func TestSequentialRetryKeepsMode(t *testing.T) {
	r := newRig(t)
	r.reg.MustRegister(scriptedProc{name: model.StageAIParsing, fn: func(_ context.Context, in stage.Input) (*stage.Result, error) {
		env, err := stage.Wrap(model.StageDatabaseSave, map[string]string{"from": "ai_parsing"})
		require.NoError(t, err)
		return &stage.Result{Next: env, MerchantID: in.MerchantID}, nil
	}})
	r.reg.MustRegister(scriptedProc{name: model.StageDatabaseSave, fn: func(_ context.Context, _ stage.Input) (*stage.Result, error) {
		return nil, poflow.Transient("db.CreatePurchaseOrder", errors.New("connection reset"))
	}})
	seedExec(r, "wf_1", model.StageAIParsing, model.ModeSequential)
	parkPayload(t, r, "wf_1", model.StageAIParsing)

	require.NoError(t, r.orch.HandleStageJob(context.Background(), stageJob(t, "wf_1", model.StageAIParsing)))

	w := r.execs.execs["wf_1"]
	assert.Equal(t, model.WorkflowProcessing, w.Status)
	assert.Equal(t, 1, w.RetryCount(model.StageDatabaseSave))
	assert.Equal(t, model.ModeSequential, w.Mode(), "the retry re-enters sequential with a fresh budget")

	require.Len(t, r.queues.jobs, 1)
	assert.Equal(t, string(model.StageDatabaseSave), r.queues.jobs[0].queue)
	assert.Equal(t, 5*time.Second, r.queues.jobs[0].delay)

	audits := r.execs.auditsFor("wf_1")
	require.Len(t, audits, 2)
	assert.Equal(t, model.StageCompleted, audits[0].Status)
	assert.Equal(t, model.StageFailed, audits[1].Status)
}
