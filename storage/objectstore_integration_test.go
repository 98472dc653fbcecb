//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
	testRegion    = "us-east-1"
	testBucket    = "poflow-test-uploads"
)

// setupMinIOContainer starts a MinIO container and returns its endpoint.
func setupMinIOContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").
			WithPort("9000/tcp").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start MinIO container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return fmt.Sprintf("http://%s:%s", host, port.Port()), cleanup
}

func integrationStore(t *testing.T, endpoint string) *ObjectStore {
	store, err := New(context.Background(), config.StorageConfig{
		Endpoint:  endpoint,
		Region:    testRegion,
		Bucket:    testBucket,
		AccessKey: testAccessKey,
		SecretKey: testSecretKey,
		PathStyle: true,
	})
	require.NoError(t, err)
	return store
}

func TestObjectStoreRoundTrip_Integration(t *testing.T) {
	endpoint, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := integrationStore(t, endpoint)
	require.NoError(t, store.EnsureBucket(ctx))

	data := []byte("%PDF-1.4 integration invoice")
	require.NoError(t, store.Put(ctx, "m1/u1/invoice.pdf", "application/pdf", data))

	got, err := store.Fetch(ctx, "m1/u1/invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestObjectStoreMissingKey_Integration(t *testing.T) {
	endpoint, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := integrationStore(t, endpoint)
	require.NoError(t, store.EnsureBucket(ctx))

	_, err := store.Fetch(ctx, "m1/never-written.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, poflow.IsBusiness(err))
}

func TestEnsureBucketIsIdempotent_Integration(t *testing.T) {
	endpoint, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := integrationStore(t, endpoint)

	require.NoError(t, store.EnsureBucket(ctx))
	require.NoError(t, store.EnsureBucket(ctx))
}
