package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/queue"
)

func testLock(t *testing.T) (*POLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	conns, err := queue.NewConnections(context.Background(), config.BrokerConfig{}, func(role queue.Role) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { conns.Close() })

	return NewPOLock(conns, "poflow"), mr
}

func lockHolder(t *testing.T, mr *miniredis.Miniredis, poID string) string {
	t.Helper()
	raw, err := mr.Get("poflow:polock:" + poID)
	require.NoError(t, err)
	var rec lockRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	return rec.WorkflowID
}

func TestLockAcquireRelease(t *testing.T) {
	l, mr := testLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "po-1", "wf_1"))
	assert.Equal(t, "wf_1", lockHolder(t, mr, "po-1"))

	require.NoError(t, l.Release(ctx, "po-1", "wf_1"))
	assert.False(t, mr.Exists("poflow:polock:po-1"))

	// Freed lock is up for grabs.
	require.NoError(t, l.Acquire(ctx, "po-1", "wf_2"))
	assert.Equal(t, "wf_2", lockHolder(t, mr, "po-1"))
}

func TestLockIsReentrantForHolder(t *testing.T) {
	l, mr := testLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "po-1", "wf_1"))
	// A retried stage of the same workflow re-acquires without waiting.
	require.NoError(t, l.Acquire(ctx, "po-1", "wf_1"))
	assert.Equal(t, "wf_1", lockHolder(t, mr, "po-1"))
}

func TestLockContentionTimesOut(t *testing.T) {
	l, mr := testLock(t)
	l.waitCap = 200 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "po-1", "wf_1"))

	err := l.Acquire(ctx, "po-1", "wf_2")
	require.Error(t, err)
	assert.True(t, poflow.IsTransient(err), "lock timeout must reschedule the stage, not fail the workflow")
	assert.Equal(t, "wf_1", lockHolder(t, mr, "po-1"), "healthy holder keeps the lock")
}

func TestLockStaleHolderIsReclaimed(t *testing.T) {
	l, mr := testLock(t)
	ctx := context.Background()

	dead := lockRecord{WorkflowID: "wf_dead", AcquiredAt: time.Now().UTC().Add(-31 * time.Second)}
	raw, err := json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, mr.Set("poflow:polock:po-1", string(raw)))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "po-1", "wf_2"))
	assert.Less(t, time.Since(start), time.Second, "stale reclaim must not wait out the cap")
	assert.Equal(t, "wf_2", lockHolder(t, mr, "po-1"))
}

func TestLockFreshHolderIsNotReclaimed(t *testing.T) {
	l, mr := testLock(t)
	l.waitCap = 200 * time.Millisecond
	ctx := context.Background()

	// 29 s is inside the stale window; the holder may still be alive.
	fresh := lockRecord{WorkflowID: "wf_slow", AcquiredAt: time.Now().UTC().Add(-29 * time.Second)}
	raw, err := json.Marshal(fresh)
	require.NoError(t, err)
	require.NoError(t, mr.Set("poflow:polock:po-1", string(raw)))

	err = l.Acquire(ctx, "po-1", "wf_2")
	require.Error(t, err)
	assert.Equal(t, "wf_slow", lockHolder(t, mr, "po-1"))
}

func TestLockUndecodableRecordIsReplaced(t *testing.T) {
	l, mr := testLock(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("poflow:polock:po-1", "not json"))

	require.NoError(t, l.Acquire(ctx, "po-1", "wf_2"))
	assert.Equal(t, "wf_2", lockHolder(t, mr, "po-1"))
}

func TestReleaseByNonHolderKeepsLock(t *testing.T) {
	l, mr := testLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "po-1", "wf_1"))
	require.NoError(t, l.Release(ctx, "po-1", "wf_2"))
	assert.Equal(t, "wf_1", lockHolder(t, mr, "po-1"), "only the holder may release")
}

func TestReleaseMissingLockIsNoop(t *testing.T) {
	l, _ := testLock(t)
	require.NoError(t, l.Release(context.Background(), "po-9", "wf_1"))
}
