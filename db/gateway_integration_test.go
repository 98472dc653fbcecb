//go:build integration

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/model"
)

// setupPostgresContainer starts a PostgreSQL container and returns its URL.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

// migrateAndWarm prepares a warmed gateway over a freshly migrated schema.
func migrateAndWarm(t *testing.T, url string) *Gateway {
	gdb, err := OpenGorm(url)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb))

	g := NewGateway(config.DatabaseConfig{
		URL:                url,
		MaxConnections:     5,
		ConnectTimeout:     10 * time.Second,
		TransactionTimeout: 15 * time.Second,
	})
	_, err = g.Client(context.Background())
	require.NoError(t, err, "warmup should succeed against a live database")
	return g
}

func TestGateway_Integration_WarmupAndHealth(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()

	g := migrateAndWarm(t, url)
	defer g.Close()

	assert.NoError(t, g.Health(context.Background()))
}

func TestGateway_Integration_PurchaseOrderRoundTrip(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()

	g := migrateAndWarm(t, url)
	defer g.Close()

	ctx := context.Background()
	store := NewPurchaseOrderStore(g)
	merchantID := uuid.NewString()
	poID := uuid.NewString()

	err := g.WithTransaction(ctx, func(ctx context.Context, tx Querier) error {
		inserted, err := store.UpsertHeader(ctx, tx, &model.PurchaseOrder{
			ID:          poID,
			MerchantID:  merchantID,
			Number:      "1142384989090",
			Status:      model.POStatusProcessing,
			TotalAmount: 39.00,
			Currency:    "USD",
			Confidence:  0.93,
		})
		if err != nil {
			return err
		}
		require.True(t, inserted)

		return store.InsertLineItems(ctx, tx, []model.POLineItem{{
			ID:              uuid.NewString(),
			PurchaseOrderID: poID,
			ProductName:     "Widget A - Case of 12",
			Quantity:        12,
			UnitCost:        3.25,
			TotalCost:       39.00,
			Confidence:      0.9,
		}})
	})
	require.NoError(t, err)

	po, err := store.GetByID(ctx, poID)
	require.NoError(t, err)
	assert.Equal(t, "1142384989090", po.Number)

	items, err := store.ListLineItems(ctx, poID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 12, items[0].Quantity)
}

func TestGateway_Integration_NumberConflictAborts(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()

	g := migrateAndWarm(t, url)
	defer g.Close()

	ctx := context.Background()
	store := NewPurchaseOrderStore(g)
	merchantID := uuid.NewString()

	seed := func(number string) string {
		id := uuid.NewString()
		err := g.WithTransaction(ctx, func(ctx context.Context, tx Querier) error {
			_, err := store.UpsertHeader(ctx, tx, &model.PurchaseOrder{
				ID: id, MerchantID: merchantID, Number: number,
				Status: model.POStatusProcessing, Currency: "USD",
			})
			return err
		})
		require.NoError(t, err)
		return id
	}

	seed("1142384989090")

	// A second order claiming the same (merchant, number) must abort the
	// transaction with a conflict-kind error.
	err := g.WithTransaction(ctx, func(ctx context.Context, tx Querier) error {
		_, err := store.UpsertHeader(ctx, tx, &model.PurchaseOrder{
			ID: uuid.NewString(), MerchantID: merchantID, Number: "1142384989090",
			Status: model.POStatusProcessing, Currency: "USD",
		})
		return err
	})
	require.Error(t, err)
	assert.True(t, poflow.IsConflict(err))

	// The pool still serves queries after the rollback.
	taken, err := store.NumberExists(ctx, merchantID, "1142384989090")
	require.NoError(t, err)
	assert.True(t, taken)

	free, err := store.NumberExists(ctx, merchantID, "1142384989090-1")
	require.NoError(t, err)
	assert.False(t, free)
}
