package reconcile

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poflow.merchantry.io/config"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/progress"
	"poflow.merchantry.io/queue"
	"poflow.merchantry.io/workflow"
)

type fakeStore struct {
	execs map[string]*model.WorkflowExecution
}

func (f *fakeStore) ListStalled(_ context.Context, cutoff time.Time, limit int) ([]*model.WorkflowExecution, error) {
	var out []*model.WorkflowExecution
	for _, w := range f.execs {
		if w.Status.Terminal() || !w.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) AdvanceStage(_ context.Context, workflowID string, st model.StageName, progress int) (bool, error) {
	w, ok := f.execs[workflowID]
	if !ok || w.Status.Terminal() {
		return false, nil
	}
	w.CurrentStage = st
	w.Progress = progress
	w.Status = model.WorkflowProcessing
	w.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) SetStatus(_ context.Context, workflowID string, status model.WorkflowStatus) (bool, error) {
	w, ok := f.execs[workflowID]
	if !ok || w.Status.Terminal() {
		return false, nil
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) SaveMetadata(_ context.Context, workflowID string, md model.JSONMap) error {
	if w, ok := f.execs[workflowID]; ok {
		w.Metadata = model.JSONMap{}
		for k, v := range md {
			w.Metadata[k] = v
		}
		w.UpdatedAt = time.Now()
	}
	return nil
}

type fakeQueue struct {
	jobs []workflow.StageJob
}

func (f *fakeQueue) Enqueue(_ context.Context, queueName string, payload interface{}, _ ...queue.EnqueueOptions) (string, error) {
	sj, _ := payload.(workflow.StageJob)
	f.jobs = append(f.jobs, sj)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

type fakeOrders struct {
	counts map[string]int
	failed []string
}

func (f *fakeOrders) CountLineItems(_ context.Context, poID string) (int, error) {
	return f.counts[poID], nil
}

func (f *fakeOrders) MarkFailed(_ context.Context, poID string) (bool, error) {
	f.failed = append(f.failed, poID)
	return true, nil
}

type fakeBus struct {
	events []progress.Event
}

func (f *fakeBus) Publish(_ context.Context, _ string, _ progress.Kind, ev progress.Event) {
	f.events = append(f.events, ev)
}

type rig struct {
	store  *fakeStore
	queues *fakeQueue
	orders *fakeOrders
	bus    *fakeBus
	driver *Driver
	mr     *miniredis.Miniredis
}

func newRig(t *testing.T) *rig {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	conns, err := queue.NewConnections(context.Background(), config.BrokerConfig{}, func(role queue.Role) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { conns.Close() })

	r := &rig{
		store:  &fakeStore{execs: map[string]*model.WorkflowExecution{}},
		queues: &fakeQueue{},
		orders: &fakeOrders{counts: map[string]int{}},
		bus:    &fakeBus{},
		mr:     mr,
	}
	r.driver = New(Options{
		Store:  r.store,
		Orders: r.orders,
		Queues: r.queues,
		Conns:  conns,
		Bus:    r.bus,
	})
	return r
}

func (r *rig) seed(wfID string, st model.StageName, status model.WorkflowStatus, mode string, age time.Duration) *model.WorkflowExecution {
	w := &model.WorkflowExecution{
		WorkflowID:   wfID,
		MerchantID:   "m1",
		CurrentStage: st,
		Status:       status,
		RetryCounts:  model.RetryCounts{},
		CreatedAt:    time.Now().Add(-age),
		UpdatedAt:    time.Now().Add(-age),
	}
	w.SetMode(mode)
	r.store.execs[wfID] = w
	return w
}

func TestTickRescuesPendingWorkflow(t *testing.T) {
	r := newRig(t)
	r.seed("wf_1", model.StageAIParsing, model.WorkflowPending, model.ModeQueued, 3*time.Minute)

	require.NoError(t, r.driver.Tick(context.Background()))

	require.Len(t, r.queues.jobs, 1)
	assert.Equal(t, workflow.StageJob{WorkflowID: "wf_1", Stage: model.StageAIParsing}, r.queues.jobs[0])
	assert.Equal(t, 1, r.store.execs["wf_1"].ReconcileAttempts())
	assert.False(t, r.mr.Exists(r.driver.leaseKey), "lease released at tick end")
}

func TestTickIgnoresFreshWork(t *testing.T) {
	r := newRig(t)
	r.seed("wf_1", model.StageAIEnrichment, model.WorkflowProcessing, model.ModeQueued, 30*time.Second)

	require.NoError(t, r.driver.Tick(context.Background()))

	assert.Empty(t, r.queues.jobs)
	assert.Zero(t, r.store.execs["wf_1"].ReconcileAttempts())
}

func TestHeldLeaseSkipsTick(t *testing.T) {
	r := newRig(t)
	r.seed("wf_1", model.StageAIParsing, model.WorkflowPending, model.ModeQueued, 3*time.Minute)
	require.NoError(t, r.mr.Set(r.driver.leaseKey, "other-instance"))

	require.NoError(t, r.driver.Tick(context.Background()))

	assert.Empty(t, r.queues.jobs)
	holder, err := r.mr.Get(r.driver.leaseKey)
	require.NoError(t, err)
	assert.Equal(t, "other-instance", holder, "foreign lease survives the skipped tick")
}

func TestSequentialResumeNeverSkips(t *testing.T) {
	r := newRig(t)
	w := r.seed("wf_1", model.StageDatabaseSave, model.WorkflowProcessing, model.ModeSequential, 3*time.Minute)
	poID := "po-1"
	w.PurchaseOrderID = &poID
	r.orders.counts["po-1"] = 3

	require.NoError(t, r.driver.Tick(context.Background()))

	require.Len(t, r.queues.jobs, 1)
	assert.Equal(t, model.StageDatabaseSave, r.queues.jobs[0].Stage, "resume at the pointer, not past it")
	assert.Equal(t, model.ModeSequential, r.store.execs["wf_1"].Mode())
	assert.Equal(t, model.StageDatabaseSave, r.store.execs["wf_1"].CurrentStage)
}

func TestQueuedSaveStalledWithLineItemsAdvances(t *testing.T) {
	r := newRig(t)
	w := r.seed("wf_1", model.StageDatabaseSave, model.WorkflowProcessing, model.ModeQueued, 3*time.Minute)
	poID := "po-1"
	w.PurchaseOrderID = &poID
	r.orders.counts["po-1"] = 3

	require.NoError(t, r.driver.Tick(context.Background()))

	require.Len(t, r.queues.jobs, 1)
	assert.Equal(t, model.StageDataNormalization, r.queues.jobs[0].Stage)
	got := r.store.execs["wf_1"]
	assert.Equal(t, model.StageDataNormalization, got.CurrentStage)
	assert.Equal(t, 20, got.Progress, "progress credits the completed save")
}

func TestQueuedSaveStalledWithoutLineItemsReruns(t *testing.T) {
	r := newRig(t)
	w := r.seed("wf_1", model.StageDatabaseSave, model.WorkflowProcessing, model.ModeQueued, 3*time.Minute)
	poID := "po-1"
	w.PurchaseOrderID = &poID

	require.NoError(t, r.driver.Tick(context.Background()))

	require.Len(t, r.queues.jobs, 1)
	assert.Equal(t, model.StageDatabaseSave, r.queues.jobs[0].Stage, "nothing saved yet, run the stage again")
}

func TestQueuedStalledPastSaveReenqueues(t *testing.T) {
	r := newRig(t)
	w := r.seed("wf_1", model.StageImageAttachment, model.WorkflowProcessing, model.ModeQueued, 3*time.Minute)
	poID := "po-1"
	w.PurchaseOrderID = &poID
	r.orders.counts["po-1"] = 3

	require.NoError(t, r.driver.Tick(context.Background()))

	require.Len(t, r.queues.jobs, 1)
	assert.Equal(t, model.StageImageAttachment, r.queues.jobs[0].Stage)
	assert.Equal(t, model.StageImageAttachment, r.store.execs["wf_1"].CurrentStage)
}

func TestRescueBudgetExhaustedFailsWorkflow(t *testing.T) {
	r := newRig(t)
	w := r.seed("wf_1", model.StageAIEnrichment, model.WorkflowProcessing, model.ModeQueued, 3*time.Minute)
	poID := "po-1"
	w.PurchaseOrderID = &poID
	for i := 0; i < maxAttempts; i++ {
		w.BumpReconcileAttempts()
	}

	require.NoError(t, r.driver.Tick(context.Background()))

	assert.Empty(t, r.queues.jobs)
	assert.Equal(t, model.WorkflowFailed, r.store.execs["wf_1"].Status)
	assert.Equal(t, []string{"po-1"}, r.orders.failed)

	require.Len(t, r.bus.events, 1)
	assert.Equal(t, "workflow_failed", r.bus.events[0].Type)
	assert.Contains(t, r.bus.events[0].Message, "3 reconcile attempts")
}

func TestRescueRefreshesStalledWindow(t *testing.T) {
	r := newRig(t)
	r.seed("wf_1", model.StageAIParsing, model.WorkflowPending, model.ModeQueued, 3*time.Minute)
	ctx := context.Background()

	require.NoError(t, r.driver.Tick(ctx))
	require.NoError(t, r.driver.Tick(ctx))

	assert.Len(t, r.queues.jobs, 1, "the attempt bump moved updated_at forward")
	assert.Equal(t, 1, r.store.execs["wf_1"].ReconcileAttempts())
}

func TestTickHonorsBatchOldestFirst(t *testing.T) {
	r := newRig(t)
	r.driver.batch = 2
	r.seed("wf_new", model.StageAIParsing, model.WorkflowPending, model.ModeQueued, 3*time.Minute)
	r.seed("wf_older", model.StageAIParsing, model.WorkflowPending, model.ModeQueued, 10*time.Minute)
	r.seed("wf_oldest", model.StageAIParsing, model.WorkflowPending, model.ModeQueued, 20*time.Minute)

	require.NoError(t, r.driver.Tick(context.Background()))

	require.Len(t, r.queues.jobs, 2)
	assert.Equal(t, "wf_oldest", r.queues.jobs[0].WorkflowID)
	assert.Equal(t, "wf_older", r.queues.jobs[1].WorkflowID)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	r := newRig(t)
	r.driver.schedule = "not a cron spec"
	require.Error(t, r.driver.Start())
}
