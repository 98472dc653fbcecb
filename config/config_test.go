package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("POFLOW_TEST", "")
	require.NoError(t, err)

	assert.Equal(t, "poflow", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(26214400), cfg.Server.MaxUploadBytes)
	assert.Equal(t, "poflow", cfg.Broker.KeyPrefix)
	assert.Equal(t, 270, cfg.Workflow.BudgetSeconds)
	assert.Equal(t, "@every 1m", cfg.Workflow.ReconcileSchedule)
	assert.Equal(t, 0.30, cfg.Matching.SimilarityThreshold)
	assert.False(t, cfg.Workflow.Sequential)
}

func TestLoadConfigLegacyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://legacy:5432/orders")
	t.Setenv("BROKER_URL", "redis://legacy:6379/1")
	t.Setenv("USE_PG_TRGM_FUZZY_MATCHING", "true")
	t.Setenv("PG_TRGM_ROLLOUT_PERCENTAGE", "25")
	t.Setenv("SEQUENTIAL_WORKFLOW", "true")

	cfg, err := LoadConfig("POFLOW_TEST", "")
	require.NoError(t, err)

	assert.Equal(t, "postgres://legacy:5432/orders", cfg.Database.URL)
	assert.Equal(t, "redis://legacy:6379/1", cfg.Broker.URL)
	assert.True(t, cfg.Matching.UsePgTrgm)
	assert.Equal(t, 25, cfg.Matching.RolloutPercentage)
	assert.True(t, cfg.Workflow.Sequential)
}

func TestLoadConfigPrefixedEnvWins(t *testing.T) {
	t.Setenv("POFLOW_TEST_SERVER_PORT", "9090")
	t.Setenv("POFLOW_TEST_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig("POFLOW_TEST", "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
matching:
  rollout_percentage: 5
`), 0o600))

	cfg, err := LoadConfig("POFLOW_TEST", path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Matching.RolloutPercentage)
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadConfig("POFLOW_TEST", "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing database url", func(c *Config) { c.Database.URL = "" }},
		{"missing broker url", func(c *Config) { c.Broker.URL = "" }},
		{"rollout over 100", func(c *Config) { c.Matching.RolloutPercentage = 101 }},
		{"budget over cap", func(c *Config) { c.Workflow.BudgetSeconds = 300 }},
		{"zero reconcile batch", func(c *Config) { c.Workflow.ReconcileBatch = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}

	assert.NoError(t, ValidateConfig(valid()))
}
