// Package config loads the engine configuration from multiple sources with
// well-defined precedence:
//  1. Default values
//  2. Configuration file (./config.yaml, ./configs/config.yaml,
//     ~/.poflow/config.yaml, /etc/poflow/config.yaml)
//  3. .env file in the working directory
//  4. Environment variables
//
// Nested keys map to prefixed environment variables through a dot-to-
// underscore replacer (POFLOW_DATABASE_URL -> database.url). On top of that,
// the flat variable names the platform has always recognized are bound
// explicitly, so deployments keep working without the prefix:
//
//	DATABASE_URL, DIRECT_URL, BROKER_URL,
//	USE_PG_TRGM_FUZZY_MATCHING, PG_TRGM_ROLLOUT_PERCENTAGE,
//	SEQUENTIAL_WORKFLOW, ENABLE_PERFORMANCE_MONITORING,
//	WEBHOOK_RATE_LIMIT, WEBHOOK_TIMEOUT, WEBHOOK_RETRY_ATTEMPTS,
//	WEBHOOK_RETRY_DELAY
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ServerConfig contains the HTTP surface configuration.
type ServerConfig struct {
	// Host is the bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses.
	// The SSE endpoint disables it per-connection.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// APIKeys authorize mutating routes; empty disables the check
	// (development only)
	APIKeys []string `mapstructure:"api_keys"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// MaxUploadBytes bounds the accepted document size
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig contains the relational store settings.
type DatabaseConfig struct {
	// URL is the pooled endpoint used by the persistence gateway
	URL string `mapstructure:"url"`

	// DirectURL is the unpooled endpoint used by the migrate command
	DirectURL string `mapstructure:"direct_url"`

	// MaxConnections caps the gateway pool size
	MaxConnections int `mapstructure:"max_connections"`

	// ConnectTimeout bounds the initial dial
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// TransactionTimeout is the hard cap on a persistence-service
	// transaction
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
}

// BrokerConfig contains the key/value broker settings shared by the queue
// substrate, progress bus, locks, and stage store.
type BrokerConfig struct {
	// URL is the broker endpoint (redis://...)
	URL string `mapstructure:"url"`

	// KeyPrefix namespaces every key this process writes
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig contains the upload object-store settings. The endpoint is
// any S3-compatible service; path-style addressing is required for MinIO.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

// WorkflowConfig contains orchestration settings.
type WorkflowConfig struct {
	// Sequential runs all stages in one invocation under the processing
	// budget instead of one queue job per stage
	Sequential bool `mapstructure:"sequential"`

	// BudgetSeconds is the sequential-mode processing budget; it must stay
	// below the invocation cap with a safety buffer
	BudgetSeconds int `mapstructure:"budget_seconds"`

	// StuckThreshold is how long a workflow may sit without progress before
	// the reconciler picks it up
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`

	// ReconcileSchedule is the cron spec for the reconcile driver
	ReconcileSchedule string `mapstructure:"reconcile_schedule"`

	// ReconcileBatch caps workflows handled per reconcile tick
	ReconcileBatch int `mapstructure:"reconcile_batch"`
}

// MatchingConfig contains supplier-resolver settings.
type MatchingConfig struct {
	// UsePgTrgm is the global default engine flag; the rollout percentage
	// is consulted before it
	UsePgTrgm bool `mapstructure:"use_pg_trgm"`

	// RolloutPercentage routes a deterministic fraction of merchants to the
	// trigram engine (0-100)
	RolloutPercentage int `mapstructure:"rollout_percentage"`

	// SimilarityThreshold is the trigram cutoff pushed into the SQL query
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`

	// Limit caps candidates returned per match call
	Limit int `mapstructure:"limit"`

	// EnablePerformanceMonitoring gates performance_metrics rows
	EnablePerformanceMonitoring bool `mapstructure:"enable_performance_monitoring"`
}

// ExtractionConfig contains the document-extraction RPC settings.
type ExtractionConfig struct {
	// Endpoint is the extraction service URL
	Endpoint string `mapstructure:"endpoint"`

	// APIKey authenticates against the extraction service
	APIKey string `mapstructure:"api_key"`

	// EnrichmentEndpoint is the secondary enrichment URL; empty disables
	// stage 5 enrichment (the stage passes through)
	EnrichmentEndpoint string `mapstructure:"enrichment_endpoint"`
}

// ImageSearchConfig contains the stage-8 image source settings.
type ImageSearchConfig struct {
	// Endpoint is the search URL queried with "Brand Model" strings; empty
	// disables image attachment
	Endpoint string `mapstructure:"endpoint"`
}

// CommerceConfig contains the downstream platform client settings.
type CommerceConfig struct {
	// Endpoint is the platform API base URL; empty disables stage 9 sync
	Endpoint string `mapstructure:"endpoint"`

	// APIKey is the fallback credential when merchant settings carry none
	APIKey string `mapstructure:"api_key"`
}

// WebhookConfig is parsed and validated on behalf of the external webhook
// module; the engine itself sends no webhooks.
type WebhookConfig struct {
	RateLimit     int           `mapstructure:"rate_limit"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Config is the full engine configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Extraction  ExtractionConfig  `mapstructure:"extraction"`
	ImageSearch ImageSearchConfig `mapstructure:"image_search"`
	Commerce    CommerceConfig    `mapstructure:"commerce"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a configuration loader with the given environment
// prefix (e.g. "POFLOW" -> "POFLOW_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets caller-supplied default values. Call before Load.
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard engine defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "poflow")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.max_upload_bytes", 26214400) // 25 MiB

	l.v.SetDefault("database.url", "postgres://localhost:5432/poflow")
	l.v.SetDefault("database.direct_url", "")
	l.v.SetDefault("database.max_connections", 10)
	l.v.SetDefault("database.connect_timeout", "10s")
	l.v.SetDefault("database.transaction_timeout", "15s")

	l.v.SetDefault("broker.url", "redis://localhost:6379/0")
	l.v.SetDefault("broker.key_prefix", "poflow")

	l.v.SetDefault("storage.region", "us-east-1")
	l.v.SetDefault("storage.bucket", "poflow-uploads")
	l.v.SetDefault("storage.path_style", true)

	l.v.SetDefault("workflow.sequential", false)
	l.v.SetDefault("workflow.budget_seconds", 270)
	l.v.SetDefault("workflow.stuck_threshold", "2m")
	l.v.SetDefault("workflow.reconcile_schedule", "@every 1m")
	l.v.SetDefault("workflow.reconcile_batch", 20)

	l.v.SetDefault("matching.use_pg_trgm", false)
	l.v.SetDefault("matching.rollout_percentage", 0)
	l.v.SetDefault("matching.similarity_threshold", 0.30)
	l.v.SetDefault("matching.limit", 10)
	l.v.SetDefault("matching.enable_performance_monitoring", true)

	l.v.SetDefault("webhook.rate_limit", 60)
	l.v.SetDefault("webhook.timeout", "10s")
	l.v.SetDefault("webhook.retry_attempts", 3)
	l.v.SetDefault("webhook.retry_delay", "5s")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// bindLegacyEnv wires the flat environment variable names that predate the
// prefixed scheme. Explicit bindings bypass the prefix.
func (l *Loader) bindLegacyEnv() {
	bindings := map[string]string{
		"database.url":                           "DATABASE_URL",
		"database.direct_url":                    "DIRECT_URL",
		"broker.url":                             "BROKER_URL",
		"matching.use_pg_trgm":                   "USE_PG_TRGM_FUZZY_MATCHING",
		"matching.rollout_percentage":            "PG_TRGM_ROLLOUT_PERCENTAGE",
		"matching.enable_performance_monitoring": "ENABLE_PERFORMANCE_MONITORING",
		"workflow.sequential":                    "SEQUENTIAL_WORKFLOW",
		"webhook.rate_limit":                     "WEBHOOK_RATE_LIMIT",
		"webhook.timeout":                        "WEBHOOK_TIMEOUT",
		"webhook.retry_attempts":                 "WEBHOOK_RETRY_ATTEMPTS",
		"webhook.retry_delay":                    "WEBHOOK_RETRY_DELAY",
	}
	for key, env := range bindings {
		_ = l.v.BindEnv(key, env)
	}
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, config.yaml is searched in the standard locations.
//
// Precedence (highest to lowest): environment variables, .env file,
// configuration file, defaults.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		if home, err := homedir.Dir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".poflow"))
		}
		l.v.AddConfigPath("/etc/poflow")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.bindLegacyEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the engine configuration with standard defaults and
// validates it.
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig checks the loaded configuration for values that would
// misbehave at runtime.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker url is required")
	}
	if cfg.Matching.RolloutPercentage < 0 || cfg.Matching.RolloutPercentage > 100 {
		return fmt.Errorf("rollout percentage must be 0-100, got %d", cfg.Matching.RolloutPercentage)
	}
	if cfg.Workflow.BudgetSeconds < 1 || cfg.Workflow.BudgetSeconds > 290 {
		return fmt.Errorf("workflow budget must leave headroom under the 300s invocation cap, got %ds", cfg.Workflow.BudgetSeconds)
	}
	if cfg.Workflow.ReconcileBatch < 1 {
		return fmt.Errorf("reconcile batch must be positive, got %d", cfg.Workflow.ReconcileBatch)
	}
	if cfg.Webhook.RetryAttempts < 0 {
		return fmt.Errorf("webhook retry attempts must not be negative, got %d", cfg.Webhook.RetryAttempts)
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
