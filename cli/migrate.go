package cli

import (
	"github.com/spf13/cobra"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the schema from the model definitions (development)",
	Long: `migrate runs AutoMigrate against the direct (unpooled) database
endpoint. This is a development convenience; production schema changes
ship as external migrations.`,
	RunE: runMigrate,
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Poolers reject DDL mid-transaction often enough that migrations go
	// to the direct endpoint when one is configured.
	url := cfg.Database.DirectURL
	if url == "" {
		url = cfg.Database.URL
	}

	gdb, err := db.OpenGorm(url)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	poflow.Component("migrate").Info("schema is up to date")
	return nil
}
