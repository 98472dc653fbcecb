package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poflow.merchantry.io/config"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/queue"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	conns, err := queue.NewConnections(context.Background(), config.BrokerConfig{}, func(role queue.Role) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { conns.Close() })

	return NewStore(conns, "poflow", 0), mr
}

func TestStoreRoundTrip(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	env, err := Wrap(model.StageDatabaseSave, ExtractedPayload{UploadID: "up-1", Confidence: 0.93})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "wf_1", env))

	got, err := store.Get(ctx, "wf_1", model.StageDatabaseSave)
	require.NoError(t, err)

	var payload ExtractedPayload
	require.NoError(t, got.Into(model.StageDatabaseSave, &payload))
	assert.Equal(t, "up-1", payload.UploadID)
	assert.Equal(t, 0.93, payload.Confidence)

	ttl := mr.TTL("poflow:stage:wf_1:database_save")
	assert.Equal(t, defaultPayloadTTL, ttl, "payloads expire on their own")
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := testStore(t)

	_, err := store.Get(context.Background(), "wf_1", model.StageAIParsing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestStoreStageMismatch(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	env, err := Wrap(model.StageDatabaseSave, ExtractedPayload{UploadID: "up-1"})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "wf_1", env))

	got, err := store.Get(ctx, "wf_1", model.StageDatabaseSave)
	require.NoError(t, err)

	var wrong SavedPayload
	err = got.Into(model.StageDataNormalization, &wrong)
	require.Error(t, err, "an envelope only decodes at its own boundary")
}

func TestStoreDelete(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	env, err := Wrap(model.StageAIParsing, IntakePayload{UploadID: "up-1"})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "wf_1", env))
	require.NoError(t, store.Delete(ctx, "wf_1", model.StageAIParsing))

	_, err = store.Get(ctx, "wf_1", model.StageAIParsing)
	assert.ErrorIs(t, err, ErrNoPayload)

	// Deleting what is already gone is not an error.
	require.NoError(t, store.Delete(ctx, "wf_1", model.StageAIParsing))
}

func TestStoreDeleteAll(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	for _, st := range model.PipelineStages {
		env, err := Wrap(st, IntakePayload{UploadID: "up-1"})
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, "wf_1", env))
	}
	otherEnv, err := Wrap(model.StageAIParsing, IntakePayload{UploadID: "up-2"})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "wf_2", otherEnv))

	require.NoError(t, store.DeleteAll(ctx, "wf_1"))

	for _, st := range model.PipelineStages {
		_, err := store.Get(ctx, "wf_1", st)
		assert.ErrorIs(t, err, ErrNoPayload, "stage %s survived DeleteAll", st)
	}

	_, err = store.Get(ctx, "wf_2", model.StageAIParsing)
	assert.NoError(t, err, "other workflows keep their payloads")
	assert.True(t, mr.Exists("poflow:stage:wf_2:ai_parsing"))
}

func TestStorePutNil(t *testing.T) {
	store, _ := testStore(t)
	err := store.Put(context.Background(), "wf_1", nil)
	require.Error(t, err)
}

func TestEnvelopeVersionGuard(t *testing.T) {
	env := &Envelope{Version: 99, Stage: model.StageAIParsing, Data: []byte(`{}`)}
	var intake IntakePayload
	err := env.Into(model.StageAIParsing, &intake)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoPayload))
}

func TestStoreCustomTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	conns, err := queue.NewConnections(context.Background(), config.BrokerConfig{}, func(role queue.Role) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { conns.Close() })

	store := NewStore(conns, "", time.Hour)
	env, err := Wrap(model.StageAIParsing, IntakePayload{UploadID: "up-1"})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "wf_1", env))

	assert.Equal(t, time.Hour, mr.TTL("poflow:stage:wf_1:ai_parsing"), "empty prefix falls back to the default")
}
