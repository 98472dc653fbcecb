// Package cli provides the poflow command tree: the serve command running
// the full engine (HTTP surface, queue workers, progress bus, reconciler),
// the migrate development helper, the read-only analyze-performance
// reports, and the version command.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
)

// cfgFile is the --config override; empty means the standard search paths
// (working directory, ./configs, ~/.poflow, /etc/poflow).
var cfgFile string

// logLevel is the --log-level override applied after config load.
var logLevel string

// RootCmd is the poflow entry command.
var RootCmd = &cobra.Command{
	Use:   "poflow",
	Short: "purchase-order workflow engine",
	Long: `poflow turns uploaded supplier purchase-order documents into
synchronized product drafts through a ten-stage pipeline: extraction,
persistence, normalization, merchant configuration, enrichment, platform
payload shaping, draft creation, image attachment, platform sync, and the
final status write.

serve runs the whole engine in one process: the HTTP API (upload, SSE
events, workflow status, health, metrics), the queue workers for all ten
stages, the per-merchant progress bus, and the reconcile cron driver.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.poflow, /etc/poflow)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
}

// loadConfig loads and validates the engine configuration, then applies
// the logging settings so every later component logs consistently.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig("POFLOW", cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	poflow.ConfigureLogger(level, cfg.Logging.Format)
	return cfg, nil
}

// Execute runs the command tree and exits non-zero on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
