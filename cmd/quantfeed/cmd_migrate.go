package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantfeed/quantfeed/internal/store/postgres"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(cmd.Context(), db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Printf("schema up to date (version %d)\n", postgres.SchemaVersion())
	return nil
}
